// queue package

package queue

import "sync"

const (
	// DefaultRetention is the number of items a RingQueue keeps when no capacity is given.
	DefaultRetention = 500
)

var _ Queue = &RingQueue{}

// RingQueue implements a bounded in-memory queue.
// Once full, enqueueing drops the oldest item.
type RingQueue struct {
	lock     sync.RWMutex
	items    []interface{}
	head     int
	size     int
	dropped  int
	capacity int
}

// NewRingQueue creates a new queue holding at most capacity items.
func NewRingQueue(capacity int) *RingQueue {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &RingQueue{
		items:    make([]interface{}, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an item to the end of the queue.
func (q *RingQueue) Enqueue(item interface{}) {
	q.lock.Lock()
	defer q.lock.Unlock()

	tail := (q.head + q.size) % q.capacity
	q.items[tail] = item
	if q.size == q.capacity {
		q.head = (q.head + 1) % q.capacity
		q.dropped++
		return
	}
	q.size++
}

// Dequeue removes and returns the item from the front of the queue, or nil if empty.
func (q *RingQueue) Dequeue() interface{} {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.size == 0 {
		return nil
	}
	item := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	return item
}

// Size returns the current size of the queue.
func (q *RingQueue) Size() int {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.size
}

// Dropped returns how many items were evicted to make room.
func (q *RingQueue) Dropped() int {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.dropped
}

// ReadAllMessages returns the retained items oldest first without removing them.
func (q *RingQueue) ReadAllMessages() []interface{} {
	q.lock.RLock()
	defer q.lock.RUnlock()

	messages := make([]interface{}, 0, q.size)
	for i := 0; i < q.size; i++ {
		messages = append(messages, q.items[(q.head+i)%q.capacity])
	}

	return messages
}

// ClearQueue clears all messages from the queue.
func (q *RingQueue) ClearQueue() {
	q.lock.Lock()
	defer q.lock.Unlock()

	for i := range q.items {
		q.items[i] = nil
	}
	q.head = 0
	q.size = 0
}
