package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind labels what happened to allocated units.
type EventKind string

const (
	KindApproval EventKind = "approval"
	KindTransfer EventKind = "transfer"
	KindReturn   EventKind = "return"
)

// AllocationEvent describes a movement of allocated units for live consumers.
type AllocationEvent struct {
	Kind       EventKind `json:"kind"`
	ResourceID int64     `json:"resource_id"`
	Actor      string    `json:"actor"`
	Recipient  string    `json:"recipient,omitempty"`
	Amount     int64     `json:"amount"`
	RequestID  uint64    `json:"request_id,omitempty"`
	Height     uint64    `json:"height"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs allocation events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan AllocationEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan AllocationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan AllocationEvent {
	ch := make(chan AllocationEvent, 16)

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
func (s *Stream) Publish(evt AllocationEvent) {
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
