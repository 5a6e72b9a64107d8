package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
)

var _ StateManager = &InMemoryStateManager{}

// ErrNotCached is returned by Get when no fetch for the game has been applied.
type ErrNotCached struct {
	GameID int64
}

func (e *ErrNotCached) Error() string {
	return fmt.Sprintf("game %d is not cached", e.GameID)
}

func IsNotCached(err error) bool {
	_, ok := err.(*ErrNotCached)
	return ok
}

type entry struct {
	game *models.GameSession
	// applied is the sequence of the fetch currently held
	applied uint64
	// floor rejects every fetch issued at or before it
	floor     uint64
	stale     bool
	updatedAt time.Time
	subs      map[int]chan Update
}

type InMemoryStateManager struct {
	lock    sync.RWMutex
	seq     uint64
	nextSub int
	games   map[int64]*entry
}

func NewInMemoryStateManager() *InMemoryStateManager {
	return &InMemoryStateManager{
		games: make(map[int64]*entry),
	}
}

func (m *InMemoryStateManager) Get(ctx context.Context, gameID int64) (*models.GameSession, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	e, ok := m.games[gameID]
	if !ok || e.game == nil {
		return nil, &ErrNotCached{GameID: gameID}
	}
	return e.game.Clone(), nil
}

// Stale reports whether the cached game is awaiting a full refetch.
func (m *InMemoryStateManager) Stale(gameID int64) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	e, ok := m.games[gameID]
	return ok && e.stale
}

func (m *InMemoryStateManager) NextSequence() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.seq++
	return m.seq
}

func (m *InMemoryStateManager) Apply(ctx context.Context, seq uint64, game *models.GameSession) (bool, error) {
	if game == nil {
		return false, fmt.Errorf("game is nil")
	}
	if game.ID == 0 {
		return false, fmt.Errorf("game has no id")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if seq > m.seq {
		return false, fmt.Errorf("sequence %d was never issued", seq)
	}

	e := m.entry(game.ID)
	if seq <= e.applied || seq <= e.floor {
		log.Debug("Discarding stale fetch %d for game %d (applied %d, floor %d)", seq, game.ID, e.applied, e.floor)
		return false, nil
	}

	e.game = game.Clone()
	e.applied = seq
	e.stale = false
	e.updatedAt = time.Now()
	m.publish(game.ID, e)
	return true, nil
}

func (m *InMemoryStateManager) Invalidate(gameID int64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e := m.entry(gameID)
	e.floor = m.seq
	e.stale = true
	m.publish(gameID, e)
}

func (m *InMemoryStateManager) Clear(gameID int64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	// the entry is kept so its floor keeps rejecting fetches already in flight
	e := m.entry(gameID)
	e.game = nil
	e.floor = m.seq
	e.stale = false
	e.updatedAt = time.Now()
	m.publish(gameID, e)
}

func (m *InMemoryStateManager) Subscribe(gameID int64) (<-chan Update, func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e := m.entry(gameID)
	id := m.nextSub
	m.nextSub++
	ch := make(chan Update, 1)
	e.subs[id] = ch
	if e.game != nil {
		ch <- m.update(gameID, e)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.lock.Lock()
			defer m.lock.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// entry must be called with the lock held.
func (m *InMemoryStateManager) entry(gameID int64) *entry {
	e, ok := m.games[gameID]
	if !ok {
		e = &entry{subs: make(map[int]chan Update)}
		m.games[gameID] = e
	}
	return e
}

func (m *InMemoryStateManager) update(gameID int64, e *entry) Update {
	return Update{
		GameID:    gameID,
		Game:      e.game.Clone(),
		Sequence:  e.applied,
		Stale:     e.stale,
		UpdatedAt: e.updatedAt,
	}
}

// publish replaces whatever a slow subscriber has not read yet. Must be called with the lock held.
func (m *InMemoryStateManager) publish(gameID int64, e *entry) {
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- m.update(gameID, e)
	}
}
