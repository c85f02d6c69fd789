package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisChannel carries frames over Redis PUBLISH/SUBSCRIBE, so contexts in
// different processes share one channel. Redis echoes a publisher's own
// frames back to it; Broadcast filters those by origin.
type RedisChannel struct {
	client *redis.Client
	name   string
	pubsub *redis.PubSub

	handlers handlerSet

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRedisChannel subscribes to name and waits for the subscription to be
// confirmed before returning.
func NewRedisChannel(ctx context.Context, client *redis.Client, name string) (*RedisChannel, error) {
	if name == "" {
		name = DefaultChannelName
	}
	pubsub := client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	c := &RedisChannel{
		client: client,
		name:   name,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go c.run(pubsub.Channel())
	return c, nil
}

func (c *RedisChannel) run(msgs <-chan *redis.Message) {
	defer close(c.done)
	for msg := range msgs {
		c.handlers.dispatch([]byte(msg.Payload))
	}
}

func (c *RedisChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := c.client.Publish(ctx, c.name, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (c *RedisChannel) Receive(handler func([]byte)) func() {
	return c.handlers.add(handler)
}

// Close unsubscribes. The shared client stays open.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pubsub.Close()
}

// Done is closed once the receive loop has exited.
func (c *RedisChannel) Done() <-chan struct{} {
	return c.done
}
