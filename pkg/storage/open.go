package storage

import (
	"context"
	"fmt"
)

// Open builds the backend named by config.Type.
func Open(ctx context.Context, config Config) (KeyValueStore, error) {
	switch config.Type {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileSystemStore(config.FilesystemRoot)
	case BackendRedis:
		client, err := NewRedisClient(config)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client), nil
	case BackendPostgres, BackendSQLite:
		return OpenSQLStore(ctx, config)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Type)
	}
}
