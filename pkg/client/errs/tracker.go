package errs

import (
	"sync"
	"time"
)

// Tracker keeps the most recent user-visible error until it is dismissed.
// Recording never blocks the operation that failed.
type Tracker struct {
	lock sync.RWMutex
	err  error
	op   string
	at   time.Time
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Record stores err as the latest error. A nil err is ignored.
func (t *Tracker) Record(op string, err error) {
	if err == nil {
		return
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.err = err
	t.op = op
	t.at = time.Now()
}

// LastError returns the latest undismissed error, the operation that produced it and when.
func (t *Tracker) LastError() (error, string, time.Time) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.err, t.op, t.at
}

func (t *Tracker) Dismiss() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.err = nil
	t.op = ""
	t.at = time.Time{}
}
