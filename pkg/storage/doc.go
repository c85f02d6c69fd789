// Package storage provides the KeyValueStore backends that carry shared
// session records between contexts.
//
// # Overview
//
// KeyValueStore is a small byte store with per-key TTLs, a SetNX claim
// primitive and CompareAndDelete for removing a value only while it is
// unchanged. Backends:
//
//   - MemoryStore: process-local map, for tests and single-process use
//   - FileSystemStore: one file per key, survives restarts on one host
//   - RedisStore: Redis strings with native expiry
//   - SQLStore: one table on Postgres (lib/pq) or SQLite (go-sqlite3)
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.Config{
//		Type:     storage.BackendRedis,
//		RedisURL: "redis://localhost:6379/0",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
// Get returns ErrNotFound for missing and expired keys alike.
package storage
