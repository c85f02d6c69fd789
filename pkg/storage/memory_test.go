package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runKeyValueStoreSuite exercises the contract every backend must meet.
// advance moves the backend clock forward.
func runKeyValueStoreSuite(t *testing.T, store KeyValueStore, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", []byte("v1"), 0))
		got, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("last writer wins", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k2", []byte("first"), time.Minute))
		require.NoError(t, store.Set(ctx, "k2", []byte("second"), time.Minute))
		got, err := store.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k3", []byte("v"), time.Second))
		advance(2 * time.Second)
		_, err := store.Get(ctx, "k3")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("setnx claims once", func(t *testing.T) {
		ok, err := store.SetNX(ctx, "claim", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "claim", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Get(ctx, "claim")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("setnx reclaims after expiry", func(t *testing.T) {
		ok, err := store.SetNX(ctx, "lease", []byte("a"), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		advance(2 * time.Second)

		ok, err = store.SetNX(ctx, "lease", []byte("b"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", []byte("v"), 0))
		require.NoError(t, store.Delete(ctx, "gone"))
		require.NoError(t, store.Delete(ctx, "gone"))
		_, err := store.Get(ctx, "gone")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("compare and delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cad", []byte("stale"), time.Minute))

		ok, err := store.CompareAndDelete(ctx, "cad", []byte("other"))
		require.NoError(t, err)
		assert.False(t, ok, "a different value is left alone")
		got, err := store.Get(ctx, "cad")
		require.NoError(t, err)
		assert.Equal(t, []byte("stale"), got)

		ok, err = store.CompareAndDelete(ctx, "cad", []byte("stale"))
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = store.Get(ctx, "cad")
		assert.True(t, errors.Is(err, ErrNotFound))

		ok, err = store.CompareAndDelete(ctx, "cad", []byte("stale"))
		require.NoError(t, err)
		assert.False(t, ok, "a missing key is not an error")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	runKeyValueStoreSuite(t, store, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value, 0))
	value[0] = 'x'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	got[1] = 'y'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}
