package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRelaySecret = "relay-secret"

func setupRelayTest(t *testing.T, config RelayConfig) (*Relay, string, func()) {
	t.Helper()

	if config.Secret == "" {
		config.Secret = testRelaySecret
	}
	relay := NewRelay(config, nil, nil)
	server := httptest.NewServer(relay)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		relay.Shutdown(ctx)
		server.Close()
	}
	return relay, wsURL, cleanup
}

func TestRelay_FanOutWithoutSelfDelivery(t *testing.T) {
	relay, url, cleanup := setupRelayTest(t, RelayConfig{})
	defer cleanup()
	ctx := context.Background()

	chA, err := DialRelay(ctx, url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	chB, err := DialRelay(ctx, url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Len() == 2 }, waitTimeout, 10*time.Millisecond)

	a := New(chA, WithContextID("a"))
	b := New(chB, WithContextID("b"))
	defer a.Close()
	defer b.Close()

	gotA, gotB := newRecorder(), newRecorder()
	a.Subscribe(gotA.handle)
	b.Subscribe(gotB.handle)

	a.Publish(ctx, SessionUpdated(testRecord()))
	assert.Equal(t, TypeSessionUpdate, gotB.next(t).Type)

	b.Publish(ctx, LoggedOut())
	assert.Equal(t, TypeLogout, gotA.next(t).Type)

	assert.Equal(t, 1, gotA.count())
	assert.Equal(t, 1, gotB.count())
}

func TestRelay_ClientCloseUnregisters(t *testing.T) {
	relay, url, cleanup := setupRelayTest(t, RelayConfig{})
	defer cleanup()

	ch, err := DialRelay(context.Background(), url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Len() == 1 }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return relay.Len() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestRelay_ShutdownClosesClients(t *testing.T) {
	relay := NewRelay(RelayConfig{Secret: testRelaySecret}, nil, nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	ch, err := DialRelay(context.Background(), url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	defer ch.Close()
	require.Eventually(t, func() bool { return relay.Len() == 1 }, waitTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, relay.Shutdown(ctx))
	assert.Equal(t, 0, relay.Len())

	select {
	case <-ch.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client read loop still running after relay shutdown")
	}

	_, err = DialRelay(context.Background(), url, RelayHeader(testRelaySecret))
	assert.Error(t, err, "relay must refuse connections after shutdown")
}

func TestRelay_CheckOrigin(t *testing.T) {
	relay := NewRelay(RelayConfig{OriginDomain: "reelapps.co.za"}, nil, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://reelapps.co.za", true},
		{"https://reelcv.reelapps.co.za", true},
		{"https://evil.example.com", false},
		{"https://reelapps.co.za.evil.com", false},
		{"https://notreelapps.co.za", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/sync/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, relay.checkOrigin(req), tt.origin)
	}
}

func TestRelay_RejectsUnauthenticatedHandshake(t *testing.T) {
	relay, url, cleanup := setupRelayTest(t, RelayConfig{OriginDomain: "reelapps.co.za"})
	defer cleanup()
	ctx := context.Background()

	member, err := DialRelay(ctx, url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	defer member.Close()
	require.Eventually(t, func() bool { return relay.Len() == 1 }, waitTimeout, 10*time.Millisecond)

	wrongSecret := RelayHeader("guess")
	inDomain := http.Header{}
	inDomain.Set("Origin", "https://reelcv.reelapps.co.za")

	tests := []struct {
		name   string
		header http.Header
	}{
		{"no credential", nil},
		{"wrong secret", wrongSecret},
		{"origin without credential", inDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(url, tt.header)
			if ws != nil {
				ws.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	_, err = DialRelay(ctx, url, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, 1, relay.Len(), "refused handshakes never join the relay")
}

func TestRelay_RefusedClientReceivesNothing(t *testing.T) {
	relay, url, cleanup := setupRelayTest(t, RelayConfig{})
	defer cleanup()
	ctx := context.Background()

	chA, err := DialRelay(ctx, url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	chB, err := DialRelay(ctx, url, RelayHeader(testRelaySecret))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Len() == 2 }, waitTimeout, 10*time.Millisecond)

	_, err = DialRelay(ctx, url, nil)
	require.Error(t, err)

	a := New(chA, WithContextID("a"))
	b := New(chB, WithContextID("b"))
	defer a.Close()
	defer b.Close()
	got := newRecorder()
	b.Subscribe(got.handle)

	a.Publish(ctx, SessionUpdated(testRecord()))
	assert.Equal(t, TypeSessionUpdate, got.next(t).Type)
	assert.Equal(t, 2, relay.Len())
}

func TestRelay_WithoutSecretRequiresOrigin(t *testing.T) {
	relay := NewRelay(RelayConfig{OriginDomain: "reelapps.co.za"}, nil, nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		relay.Shutdown(ctx)
	}()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	foreign := http.Header{}
	foreign.Set("Origin", "https://evil.example.com")
	_, resp, err = websocket.DefaultDialer.Dial(url, foreign)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	inDomain := http.Header{}
	inDomain.Set("Origin", "https://reelcv.reelapps.co.za")
	ch, err := DialRelay(context.Background(), url, inDomain)
	require.NoError(t, err)
	defer ch.Close()
	require.Eventually(t, func() bool { return relay.Len() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestRelayHeader(t *testing.T) {
	assert.Equal(t, "Bearer s3cret", RelayHeader("s3cret").Get("Authorization"))
	assert.Empty(t, RelayHeader("").Get("Authorization"))
}
