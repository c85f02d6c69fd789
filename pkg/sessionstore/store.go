package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/retry"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/storage"
)

const (
	// DefaultKeyPrefix is the shared key name without version suffix.
	DefaultKeyPrefix = "reelapps-shared-auth"
	// KeyVersion is bumped whenever the wire shape changes incompatibly.
	KeyVersion = "v1"
)

// Store is the shared session store. It hands a session from one context
// to another through a KeyValueStore under a single versioned key.
//
// Get never returns an expired record, so callers do not re-check expiry.
// Put and Clear never fail the caller; the in-memory auth state of the
// writing context stays authoritative and the error is only logged.
type Store struct {
	kv      storage.KeyValueStore
	key     string
	policy  *retry.Policy
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithKeyPrefix scopes the key, e.g. per deployment environment.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.key = prefix + ":" + KeyVersion
		}
	}
}

func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

func WithLogger(l *observability.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a shared session store over kv.
func New(kv storage.KeyValueStore, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		key:    DefaultKeyPrefix + ":" + KeyVersion,
		policy: retry.NewPolicy(retry.NoRetry),
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "sessionstore")
	return s
}

// Key returns the versioned key records are stored under.
func (s *Store) Key() string {
	return s.key
}

// Put writes record under the shared key with a TTL matching its remaining
// lifetime. Expired records are not written. Concurrent writers race and
// the last one wins.
func (s *Store) Put(ctx context.Context, record session.Record) {
	now := s.now()
	ttl := record.Remaining(now)
	if ttl <= 0 {
		s.logger.WithField("principal_id", record.Principal.ID).Warn("Refusing to store expired session")
		s.metrics.StoreOp("put", "expired")
		return
	}

	record.SyncedAt = now
	data, err := session.Encode(record)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode session")
		s.metrics.StoreError("put", "encode")
		return
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		return s.kv.Set(ctx, s.key, data, ttl)
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to persist shared session")
		s.metrics.StoreError("put", "backend")
		return
	}
	s.metrics.StoreOp("put", "ok")
	s.logger.WithFields(map[string]interface{}{
		"principal_id": record.Principal.ID,
		"synced_at":    now.UnixMilli(),
	}).Debug("Shared session written")
}

// Get returns the stored record when present, parsable and unexpired.
// Corrupt and expired values are removed on the way out unless another
// writer replaced them after the read.
func (s *Store) Get(ctx context.Context) (*session.Record, bool) {
	var data []byte
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.kv.Get(ctx, s.key)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		s.metrics.StoreOp("get", "miss")
		return nil, false
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read shared session")
		s.metrics.StoreError("get", "backend")
		return nil, false
	}

	record, err := session.Decode(data)
	if err != nil {
		s.logger.WithError(err).Warn("Discarding corrupt shared session")
		s.metrics.StoreOp("get", "corrupt")
		s.discard(ctx, data)
		return nil, false
	}
	if !record.Valid(s.now()) {
		s.logger.WithField("principal_id", record.Principal.ID).Debug("Discarding expired shared session")
		s.metrics.StoreOp("get", "expired")
		s.discard(ctx, data)
		return nil, false
	}

	s.metrics.StoreOp("get", "hit")
	return record, true
}

// Clear removes the stored record. Clearing an empty store is a no-op.
func (s *Store) Clear(ctx context.Context) {
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.kv.Delete(ctx, s.key)
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to clear shared session")
		s.metrics.StoreError("clear", "backend")
		return
	}
	s.metrics.StoreOp("clear", "ok")
}

// discard deletes the stale value read from the store, leaving any
// record written since in place.
func (s *Store) discard(ctx context.Context, stale []byte) {
	deleted, err := s.kv.CompareAndDelete(ctx, s.key, stale)
	if err != nil {
		s.logger.WithError(err).Debug("Failed to delete stale shared session")
		return
	}
	if !deleted {
		s.logger.Debug("Shared session replaced since read, keeping it")
	}
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
