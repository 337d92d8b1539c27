package stream

import (
	"context"
	"sync"
	"time"
)

// ActivityEvent describes one review-pipeline action for live dashboards.
type ActivityEvent struct {
	ReviewID   string    `json:"review_id"`
	ScopeID    string    `json:"scope_id,omitempty"`
	ObjectID   string    `json:"object_id,omitempty"`
	Kind       string    `json:"kind"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Stream fan-outs activity events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ActivityEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan ActivityEvent),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ActivityEvent {
	ch := make(chan ActivityEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ActivityEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
