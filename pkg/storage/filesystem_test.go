package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	runKeyValueStoreSuite(t, store, func(d time.Duration) { now = now.Add(d) })
}

func TestFileSystemStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "reelapps-shared-auth:v1", []byte(`{"a":1}`), time.Hour))

	second, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	got, err := second.Get(ctx, "reelapps-shared-auth:v1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)
}

func TestFileSystemStore_CorruptEnvelope(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.path("k"), []byte("not json"), 0o600))

	_, err = store.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, statErr := os.Stat(store.path("k"))
	assert.True(t, os.IsNotExist(statErr), "corrupt file should be removed")
}

func TestFileSystemStore_KeysAreSafeFileNames(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Set(context.Background(), "../../etc/passwd", []byte("x"), 0))
	assert.Equal(t, dir, filepath.Dir(store.path("../../etc/passwd")))
}

func TestFileSystemStore_PingMissingRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "root")
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	assert.Error(t, store.Ping(context.Background()))
}
