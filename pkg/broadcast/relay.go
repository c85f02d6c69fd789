package broadcast

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reelapps/authsync/pkg/observability"
)

// RelayConfig tunes the WebSocket relay.
type RelayConfig struct {
	// Secret is the bearer credential every handshake must present. With
	// no secret only browser handshakes carrying an Origin are accepted.
	Secret string
	// OriginDomain restricts browser origins to this domain and its
	// subdomains. Empty allows any origin.
	OriginDomain string
	SendBuffer   int
	MaxFrameSize int64
	PongWait     time.Duration
	PingInterval time.Duration
	WriteWait    time.Duration
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SendBuffer:   64,
		MaxFrameSize: 64 * 1024,
		PongWait:     60 * time.Second,
		PingInterval: 54 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Relay is a WebSocket fan-out hub: every frame read from one connection
// is written to every other connection. It is the server side of
// WSChannel and lets contexts without shared Redis exchange messages.
type Relay struct {
	config   RelayConfig
	upgrader websocket.Upgrader
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	conns  map[*relayConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type relayConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewRelay creates a relay hub
func NewRelay(config RelayConfig, logger *observability.Logger, metrics *observability.Metrics) *Relay {
	defaults := DefaultRelayConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.PongWait <= 0 {
		config.PongWait = defaults.PongWait
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait * 9 / 10
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaults.WriteWait
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &Relay{
		config:  config,
		logger:  logger.WithField("component", "relay"),
		metrics: metrics,
		conns:   make(map[*relayConn]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// RelayHeader returns the handshake header that authenticates a
// DialRelay client against a relay configured with secret.
func RelayHeader(secret string) http.Header {
	header := http.Header{}
	if secret != "" {
		header.Set("Authorization", "Bearer "+secret)
	}
	return header
}

// authorized reports whether the handshake may proceed to Upgrade.
func (r *Relay) authorized(req *http.Request) bool {
	if r.config.Secret == "" {
		return req.Header.Get("Origin") != ""
	}
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.config.Secret)) == 1
}

// checkOrigin accepts authenticated non-browser clients and browser origins inside the
// identity domain.
func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || r.config.OriginDomain == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(r.config.OriginDomain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// ServeHTTP upgrades the request and joins the connection to the relay.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if !r.authorized(req) {
		r.logger.WithField("remote_addr", req.RemoteAddr).Warn("Relay handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &relayConn{
		ws:   ws,
		send: make(chan []byte, r.config.SendBuffer),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ws.Close()
		return
	}
	r.conns[c] = struct{}{}
	r.wg.Add(2)
	r.mu.Unlock()
	r.metrics.RelayConnected(1)

	go r.readPump(c)
	go r.writePump(c)
}

func (r *Relay) unregister(c *relayConn) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		r.metrics.RelayConnected(-1)
	}
	c.close()
}

func (r *Relay) readPump(c *relayConn) {
	defer r.wg.Done()
	defer r.unregister(c)

	c.ws.SetReadLimit(r.config.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(r.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(r.config.PongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.WithError(err).Debug("Relay connection closed unexpectedly")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		r.fanout(c, data)
	}
}

func (r *Relay) writePump(c *relayConn) {
	ticker := time.NewTicker(r.config.PingInterval)
	defer func() {
		ticker.Stop()
		r.unregister(c)
		r.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(r.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(r.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) fanout(from *relayConn, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			r.metrics.Dropped("relay_buffer_full")
		}
	}
}

// Len returns the number of connected clients.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown refuses new connections, closes every open one and waits for
// their goroutines to exit or ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	deadline := time.Now().Add(r.config.WriteWait)
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadline)
		c.close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
