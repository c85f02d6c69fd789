package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsStepsInOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)

	var order []string
	sm.Register("relay", func(context.Context) error {
		order = append(order, "relay")
		return nil
	})
	sm.Register("store", func(context.Context) error {
		order = append(order, "store")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"relay", "store"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	boom := errors.New("boom")
	ran := false
	sm.Register("first", func(context.Context) error { return boom })
	sm.Register("second", func(context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "a failing step must not stop later steps")
}

func TestShutdownManager_Idempotent(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	calls := 0
	sm.Register("count", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}
