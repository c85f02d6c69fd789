package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelapps/authsync/pkg/contextkeys"
)

type memorySink struct {
	mu     sync.Mutex
	events []*Event
	err    error
	closed bool
}

func (s *memorySink) Log(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return s.err
}

func TestNewEvent_FromRequest(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithPrincipalID(ctx, "u-1")

	r := httptest.NewRequest("POST", "/auth/login", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("User-Agent", "test-agent")

	event := NewEvent(ctx, r, EventTypeLogin, EventStatusSuccess)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "u-1", event.PrincipalID)
	assert.Equal(t, "203.0.113.7", event.IPAddress)
	assert.Equal(t, "test-agent", event.UserAgent)
	assert.Equal(t, "POST", event.Method)
	assert.Equal(t, "/auth/login", event.Path)
}

func TestNewEvent_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/auth/sso", nil)
	r.RemoteAddr = "198.51.100.2:5555"

	event := NewEvent(context.Background(), r, EventTypeSSOGrant, EventStatusSuccess)
	assert.Equal(t, "198.51.100.2", event.IPAddress)

	event.WithError(errors.New("boom"))
	assert.Equal(t, "boom", event.ErrorMessage)
}

func TestRecorder_SwallowsSinkErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	recorder := NewRecorder(sink, nil)

	assert.NotPanics(t, func() {
		recorder.Record(context.Background(), NewEvent(context.Background(), nil, EventTypeLogin, EventStatusSuccess))
	})
	assert.Empty(t, sink.events)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var recorder *Recorder
	assert.NotPanics(t, func() {
		recorder.Record(context.Background(), NewEvent(context.Background(), nil, EventTypeLogout, EventStatusSuccess))
	})
	assert.NoError(t, recorder.Close())
}

func TestMultiLogger(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{err: errors.New("unavailable")}
	other := &memorySink{}
	multi := NewMultiLogger(good, bad, other)

	err := multi.Log(context.Background(), NewEvent(context.Background(), nil, EventTypeSignup, EventStatusSuccess))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
	assert.Len(t, good.events, 1)
	assert.Len(t, other.events, 1, "a failing sink does not stop the rest")

	assert.Error(t, multi.Close())
	assert.True(t, good.closed)
	assert.True(t, other.closed)
}
