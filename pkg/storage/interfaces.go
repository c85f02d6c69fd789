package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("storage: key not found")

// KeyValueStore is the durable byte store shared by every context of the
// identity domain. Writes are last-writer-wins; there is no locking beyond
// SetNX.
type KeyValueStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent or expired and reports
	// whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds expected and
	// reports whether it did.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Config.Type
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config for storage backend
type Config struct {
	Type string

	// File backend
	FilesystemRoot string

	// SQL backends
	PostgresURL     string
	SQLitePath      string
	SQLMaxConns     int
	SQLTimeout      time.Duration
	SQLTable        string
	SQLCreateSchema bool

	// Redis backend
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns the single-process defaults.
func DefaultConfig() Config {
	return Config{
		Type:            BackendMemory,
		FilesystemRoot:  "/var/lib/authsync",
		SQLMaxConns:     10,
		SQLTimeout:      5 * time.Second,
		SQLTable:        "shared_kv",
		SQLCreateSchema: true,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
