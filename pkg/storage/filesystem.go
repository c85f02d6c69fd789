package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileEntry is the on-disk envelope of a value.
type fileEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// FileSystemStore keeps one file per key under a root directory. Writes go
// to a temp file and are renamed into place so readers never see a torn
// value. SetNX is atomic only within one process.
type FileSystemStore struct {
	rootDir string
	mu      sync.Mutex
	now     func() time.Time
}

// NewFileSystemStore creates the root directory if needed.
func NewFileSystemStore(rootDir string) (*FileSystemStore, error) {
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystemStore{rootDir: rootDir, now: time.Now}, nil
}

// Keys are hex encoded so any key is a safe file name.
func (s *FileSystemStore) path(key string) string {
	return filepath.Join(s.rootDir, hex.EncodeToString([]byte(key))+".json")
}

func (s *FileSystemStore) read(key string) (*fileEntry, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// An unreadable envelope is as good as missing.
		os.Remove(s.path(key))
		return nil, ErrNotFound
	}
	if e.ExpiresAt > 0 && e.ExpiresAt <= s.now().UnixMilli() {
		os.Remove(s.path(key))
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *FileSystemStore) write(key string, value []byte, ttl time.Duration) error {
	e := fileEntry{Value: value}
	if exp := expiryFor(s.now(), ttl); !exp.IsZero() {
		e.ExpiresAt = exp.UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.rootDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

func (s *FileSystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (s *FileSystemStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value, ttl)
}

func (s *FileSystemStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.read(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.write(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileSystemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (s *FileSystemStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.read(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(e.Value, expected) {
		return false, nil
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to delete key file: %w", err)
	}
	return true, nil
}

// Ping checks that the root directory is still accessible.
func (s *FileSystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.rootDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.rootDir)
	}
	return nil
}

func (s *FileSystemStore) Close() error { return nil }
