package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQL dialects understood by SQLStore
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore implements KeyValueStore over a single table. Expiry is kept as
// epoch milliseconds and enforced on read, so both Postgres and SQLite
// share the same statements apart from placeholders.
type SQLStore struct {
	db      *sql.DB
	dialect string
	table   string
	now     func() time.Time
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect, table string) (*SQLStore, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if table == "" {
		table = "shared_kv"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLStore{db: db, dialect: dialect, table: table, now: time.Now}, nil
}

// OpenSQLStore opens, pings and optionally migrates the configured database.
func OpenSQLStore(ctx context.Context, config Config) (*SQLStore, error) {
	dialect, dsn := DialectPostgres, config.PostgresURL
	if config.Type == BackendSQLite {
		dialect, dsn = DialectSQLite, config.SQLitePath
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}
	if config.SQLMaxConns > 0 {
		db.SetMaxOpenConns(config.SQLMaxConns)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	timeout := config.SQLTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	store, err := NewSQLStore(db, dialect, config.SQLTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	if config.SQLCreateSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites $n placeholders for SQLite.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// EnsureSchema creates the key/value table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if s.dialect == DialectSQLite {
		blob = "BLOB"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key_name TEXT PRIMARY KEY,
		payload %s NOT NULL,
		expires_at BIGINT
	)`, s.table, blob)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) expiry(ttl time.Duration) sql.NullInt64 {
	exp := expiryFor(s.now(), ttl)
	if exp.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := s.rebind(fmt.Sprintf(`SELECT payload, expires_at FROM %s WHERE key_name = $1`, s.table))

	var (
		payload   []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	if now := s.now().UnixMilli(); expiresAt.Valid && expiresAt.Int64 <= now {
		// A row rewritten since the read carries a later expiry and stays.
		purge := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE key_name = $1 AND expires_at IS NOT NULL AND expires_at <= $2`, s.table))
		_, _ = s.db.ExecContext(ctx, purge, key, now)
		return nil, ErrNotFound
	}
	return payload, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (key_name, payload, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key_name) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`, s.table))

	if _, err := s.db.ExecContext(ctx, query, key, value, s.expiry(ttl)); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// SetNX inserts the row, or replaces it only when the existing row has
// expired.
func (s *SQLStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %[1]s (key_name, payload, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key_name) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at
		WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= $4`, s.table))

	res, err := s.db.ExecContext(ctx, query, key, value, s.expiry(ttl), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE key_name = $1`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *SQLStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE key_name = $1 AND payload = $2`, s.table))
	res, err := s.db.ExecContext(ctx, query, key, expected)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes every expired row and returns how many went.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table))
	res, err := s.db.ExecContext(ctx, query, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
