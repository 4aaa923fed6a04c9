package analysis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. Callers
// surface it as backpressure; the sweeper re-queues what got left behind.
var ErrQueueFull = errors.New("analysis queue full")

// Item is one photo waiting for analysis. Not durable: a restart loses the
// queue and the sweeper rebuilds it from uploaded-but-unfinished photos.
type Item struct {
	PhotoID        string
	UserID         string
	SessionID      string
	ObjectPath     string
	SequenceNumber int
	CaptureTime    time.Time
	Attempts       int
	QueuedAt       time.Time
}

// Queue is a bounded multi-lane FIFO. Each user gets their own lane and
// Dequeue rotates across lanes, so one user uploading in bulk cannot starve
// everyone else's photos.
type Queue struct {
	mu       sync.Mutex
	capacity int
	size     int
	lanes    map[string][]*Item
	ring     []string // user IDs with waiting items, rotation order
	cursor   int
	wake     chan struct{}
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		lanes:    make(map[string][]*Item),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds the item to its user's lane without blocking.
func (q *Queue) Enqueue(it *Item) error {
	q.mu.Lock()
	if q.size >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if _, ok := q.lanes[it.UserID]; !ok {
		q.ring = append(q.ring, it.UserID)
	}
	q.lanes[it.UserID] = append(q.lanes[it.UserID], it)
	q.size++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an item is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		it := q.pop()
		remaining := q.size
		q.mu.Unlock()

		if it != nil {
			if remaining > 0 {
				// Pass the baton so another waiting worker wakes too.
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return it, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// pop takes the head of the lane under the cursor and advances the
// rotation. Must be called with q.mu held.
func (q *Queue) pop() *Item {
	if q.size == 0 {
		return nil
	}
	if q.cursor >= len(q.ring) {
		q.cursor = 0
	}
	user := q.ring[q.cursor]
	lane := q.lanes[user]
	it := lane[0]
	lane = lane[1:]
	q.size--

	if len(lane) == 0 {
		delete(q.lanes, user)
		q.ring = append(q.ring[:q.cursor], q.ring[q.cursor+1:]...)
		// Cursor now already points at the next lane.
	} else {
		q.lanes[user] = lane
		q.cursor++
	}
	return it
}

// Depth reports how many items are waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Saturated reports whether Enqueue would fail right now.
func (q *Queue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size >= q.capacity
}
