package broadcast

import (
	"context"
	"sync"
)

// PubSubChannel is the transport under a Broadcast. Implementations deliver
// each sent frame at most once to every other endpoint, best effort.
type PubSubChannel interface {
	// Send publishes one frame. It must not block on slow receivers.
	Send(ctx context.Context, data []byte) error
	// Receive registers handler for incoming frames. Frames are handed to
	// handlers one at a time, in arrival order. The returned func
	// unregisters handler.
	Receive(handler func(data []byte)) (cancel func())
	// Close releases the endpoint. Pending frames may be dropped.
	Close() error
}

// handlerSet keeps receive handlers in registration order.
type handlerSet struct {
	mu    sync.Mutex
	byID  map[int]func([]byte)
	order []int
	next  int
}

func (s *handlerSet) add(fn func([]byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[int]func([]byte))
	}
	s.next++
	id := s.next
	s.byID[id] = fn
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.byID[id]; !ok {
			return
		}
		delete(s.byID, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// dispatch calls every handler with data outside the lock.
func (s *handlerSet) dispatch(data []byte) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.byID[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
