package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrKindRequired is returned when publishing an event without a kind.
var ErrKindRequired = errors.New("event kind is required")

// Queue fans activity events out to subscribers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Kind == "" {
		return ErrKindRequired
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// slow subscriber: drop
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	q.subs[sub] = struct{}{}
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	subs := make([]*memorySubscription, 0, len(q.subs))
	for sub := range q.subs {
		subs = append(subs, sub)
	}
	q.closed = true
	q.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
