package activity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultGrace is how long past expiry a session stays active before the
// sweep retires it.
const DefaultGrace = 5 * time.Minute

// Tracker records session activity in the user_sessions table.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a tracker over a Postgres database.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// WithClock replaces the tracker clock.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// EnsureSchema creates the user_sessions table when it does not exist.
func (t *Tracker) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS user_sessions (
			user_id        TEXT NOT NULL,
			session_token  TEXT NOT NULL,
			last_activity  TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			is_active      BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, session_token)
		)
	`
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create user_sessions table: %w", err)
	}
	return nil
}

// Touch records activity for a session. The access token is stored as a
// SHA-256 digest.
func (t *Tracker) Touch(ctx context.Context, principalID, accessToken string, expiresAt time.Time) error {
	query := `
		INSERT INTO user_sessions (user_id, session_token, last_activity, expires_at, is_active, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $3)
		ON CONFLICT (user_id, session_token) DO UPDATE SET
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
	`
	now := t.now().UTC()
	if _, err := t.db.ExecContext(ctx, query, principalID, tokenDigest(accessToken), now, expiresAt.UTC()); err != nil {
		return fmt.Errorf("failed to record session activity: %w", err)
	}
	return nil
}

// Deactivate marks every active session of principalID inactive.
func (t *Tracker) Deactivate(ctx context.Context, principalID string) error {
	query := `
		UPDATE user_sessions
		SET is_active = FALSE, updated_at = $2
		WHERE user_id = $1 AND is_active = TRUE
	`
	if _, err := t.db.ExecContext(ctx, query, principalID, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return nil
}

// SweepExpired marks sessions that expired more than grace ago inactive
// and returns how many it changed.
func (t *Tracker) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	if grace < 0 {
		grace = 0
	}
	query := `
		UPDATE user_sessions
		SET is_active = FALSE, updated_at = $1
		WHERE is_active = TRUE AND expires_at < $2
	`
	now := t.now().UTC()
	result, err := t.db.ExecContext(ctx, query, now, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept sessions: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
