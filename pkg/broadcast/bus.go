package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/reelapps/authsync/pkg/observability"
)

// ErrChannelClosed is returned by Send on a closed endpoint.
var ErrChannelClosed = errors.New("broadcast: channel closed")

// DefaultQueueSize bounds each endpoint's pending frames.
const DefaultQueueSize = 64

// Bus is an in-process fan-out. Every Channel() call returns a new
// endpoint; frames sent on one endpoint reach every other open endpoint.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[*busEndpoint]struct{}
	queueSize int
	metrics   *observability.Metrics
}

// NewBus creates a bus whose endpoints queue at most queueSize frames.
// A full queue drops new frames for that endpoint.
func NewBus(queueSize int, metrics *observability.Metrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		endpoints: make(map[*busEndpoint]struct{}),
		queueSize: queueSize,
		metrics:   metrics,
	}
}

// Channel opens a new endpoint on the bus.
func (b *Bus) Channel() PubSubChannel {
	ep := &busEndpoint{
		bus:   b,
		queue: make(chan []byte, b.queueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()

	go ep.run()
	return ep
}

// Len returns the number of open endpoints.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

func (b *Bus) fanout(from *busEndpoint, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ep := range b.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.queue <- data:
		default:
			b.metrics.Dropped("queue_full")
		}
	}
}

type busEndpoint struct {
	bus   *Bus
	queue chan []byte
	done  chan struct{}

	handlers handlerSet

	mu     sync.Mutex
	closed bool
}

func (e *busEndpoint) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	e.bus.fanout(e, append([]byte(nil), data...))
	return nil
}

func (e *busEndpoint) Receive(handler func([]byte)) func() {
	return e.handlers.add(handler)
}

func (e *busEndpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case data := <-e.queue:
			e.handlers.dispatch(data)
		}
	}
}

// Close detaches the endpoint and stops its delivery goroutine. It does
// not wait for a handler already running, so handlers may call Close.
func (e *busEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.bus.mu.Lock()
	delete(e.bus.endpoints, e)
	e.bus.mu.Unlock()

	close(e.done)
	return nil
}
