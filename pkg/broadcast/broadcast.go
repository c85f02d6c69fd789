package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
)

// Handler receives messages published by other contexts.
type Handler func(Message)

// Broadcast connects one context to its peers. Publish never reports
// failure to the caller and never delivers a message back to the context
// that sent it.
//
// A Broadcast without a channel degrades to a no-op: the shared store
// remains the fallback consistency path.
type Broadcast struct {
	id      string
	ch      PubSubChannel
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handlers []subscription
	nextSub  int
	closed   bool
	stopRecv func()
	warnOnce sync.Once
}

type subscription struct {
	id      int
	handler Handler
}

// Option configures a Broadcast
type Option func(*Broadcast)

func WithLogger(l *observability.Logger) Option {
	return func(b *Broadcast) { b.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broadcast) { b.metrics = m }
}

// WithContextID overrides the generated context id.
func WithContextID(id string) Option {
	return func(b *Broadcast) { b.id = id }
}

// New joins ch. ch may be nil when no transport is available.
func New(ch PubSubChannel, opts ...Option) *Broadcast {
	b := &Broadcast{
		id:     uuid.NewString(),
		ch:     ch,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithFields(map[string]interface{}{
		"component":  "broadcast",
		"context_id": b.id,
	})
	if ch != nil {
		b.stopRecv = ch.Receive(b.deliver)
	}
	return b
}

// ID returns this context's id.
func (b *Broadcast) ID() string {
	return b.id
}

// Available reports whether a transport is attached and open.
func (b *Broadcast) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch != nil && !b.closed
}

// Publish sends m to every other context. Errors are logged and counted.
func (b *Broadcast) Publish(ctx context.Context, m Message) {
	if !b.Available() {
		b.warnOnce.Do(func() {
			b.logger.WithError(session.ErrBroadcastUnavailable).Warn("Broadcast disabled, relying on shared store only")
		})
		b.metrics.Dropped("unavailable")
		return
	}
	if err := m.Validate(); err != nil {
		b.logger.WithError(err).Error("Refusing to publish invalid message")
		b.metrics.Dropped("invalid")
		return
	}

	data, err := encodeEnvelope(b.id, m)
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode broadcast message")
		b.metrics.Dropped("encode")
		return
	}
	if err := b.ch.Send(ctx, data); err != nil {
		b.logger.WithError(err).WithField("type", string(m.Type)).Warn("Failed to publish broadcast message")
		b.metrics.Dropped("send")
		return
	}
	b.metrics.Published(string(m.Type))
}

// Subscribe registers handler and returns its disposer. Handlers run on
// the transport's delivery goroutine in arrival order.
func (b *Broadcast) Subscribe(handler Handler) (dispose func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	b.nextSub++
	id := b.nextSub
	b.handlers = append(b.handlers, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Broadcast) deliver(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		b.logger.WithError(err).Debug("Ignoring malformed broadcast frame")
		b.metrics.Dropped("malformed")
		return
	}
	if env.Origin == b.id {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(b.handlers))
	for i, s := range b.handlers {
		handlers[i] = s.handler
	}
	b.mu.Unlock()

	b.metrics.Received(string(env.Message.Type))
	for _, h := range handlers {
		h(env.Message)
	}
}

// Close drops every subscription and closes the transport. Further
// publishes are no-ops.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = nil
	stop := b.stopRecv
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if b.ch != nil {
		return b.ch.Close()
	}
	return nil
}
