package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannel is a PubSubChannel endpoint connected to a Relay.
type WSChannel struct {
	ws        *websocket.Conn
	writeWait time.Duration
	handlers  handlerSet

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// DialRelay connects to the relay at url (ws:// or wss://).
func DialRelay(ctx context.Context, url string, header http.Header) (*WSChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &WSChannel{
		ws:        ws,
		writeWait: 10 * time.Second,
		done:      make(chan struct{}),
	}
	ws.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeWait))
	})
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handlers.dispatch(data)
	}
}

func (c *WSChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write failed: %w", err)
	}
	return nil
}

func (c *WSChannel) Receive(handler func([]byte)) func() {
	return c.handlers.add(handler)
}

// Close sends a close frame and tears the connection down.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

// Done is closed once the connection's read loop has exited, either
// after Close or when the relay goes away.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}
