package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger writes events to the auth_audit_log table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger. Call EnsureSchema
// before the first Log.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// EnsureSchema creates the audit table and its indexes
func (l *DBLogger) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_audit_log (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		principal_id VARCHAR(255),
		email VARCHAR(255),
		app VARCHAR(255),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		message TEXT,
		error_message TEXT,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_timestamp ON auth_audit_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_principal ON auth_audit_log(principal_id);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_event_type ON auth_audit_log(event_type);
	`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure auth_audit_log table: %w", err)
	}
	return nil
}

// Log inserts an event
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO auth_audit_log (
			id, timestamp, event_type, status,
			principal_id, email, app,
			ip_address, user_agent, request_id, method, path,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15
		)
	`
	_, err := l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.EventType, event.Status,
		nullString(event.PrincipalID), nullString(event.Email), nullString(event.App),
		nullString(event.IPAddress), nullString(event.UserAgent), nullString(event.RequestID),
		nullString(event.Method), nullString(event.Path),
		nullString(event.Message), nullString(event.ErrorMessage), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Close is a no-op: the database handle belongs to the caller
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
