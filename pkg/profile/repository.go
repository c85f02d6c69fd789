package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelapps/authsync/pkg/session"
)

// ErrNotFound is returned by Get when the principal has no profile.
var ErrNotFound = errors.New("profile not found")

// Seed holds the fields used when a missing profile is created.
type Seed struct {
	FirstName string
	LastName  string
	Role      session.Role
}

// Fetcher loads the profile of a principal, creating it from seed when
// missing.
type Fetcher interface {
	Ensure(ctx context.Context, principal session.Principal, seed Seed) (*session.Profile, error)
}

// Repository is the profile persistence surface.
type Repository interface {
	Fetcher
	Get(ctx context.Context, userID string) (*session.Profile, error)
	Create(ctx context.Context, p *session.Profile) error
}

func newProfile(principal session.Principal, seed Seed) *session.Profile {
	role := seed.Role
	if !role.Valid() {
		role = session.RoleCandidate
	}
	return &session.Profile{
		ID:        uuid.NewString(),
		UserID:    principal.ID,
		Email:     principal.Email,
		FirstName: seed.FirstName,
		LastName:  seed.LastName,
		Role:      role,
	}
}

// PostgresRepository stores profiles in the profiles table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over db
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// EnsureSchema creates the profiles table when it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS profiles (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL UNIQUE,
			email       TEXT NOT NULL,
			first_name  TEXT,
			last_name   TEXT,
			role        TEXT NOT NULL DEFAULT 'candidate',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create profiles table: %w", err)
	}
	return nil
}

// Get retrieves the profile of userID
func (r *PostgresRepository) Get(ctx context.Context, userID string) (*session.Profile, error) {
	query := `
		SELECT id, user_id, email, first_name, last_name, role, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`
	p := &session.Profile{}
	var firstName, lastName sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.ID, &p.UserID, &p.Email, &firstName, &lastName, &p.Role, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.FirstName = firstName.String
	p.LastName = lastName.String
	return p, nil
}

// Create inserts p. A profile already present for the same user wins and
// is loaded into p instead.
func (r *PostgresRepository) Create(ctx context.Context, p *session.Profile) error {
	query := `
		INSERT INTO profiles (id, user_id, email, first_name, last_name, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, p.ID, p.UserID, p.Email,
		nullString(p.FirstName), nullString(p.LastName), p.Role).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, p.UserID)
		if getErr != nil {
			return getErr
		}
		*p = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// Ensure returns the profile of principal, creating it from seed when
// missing.
func (r *PostgresRepository) Ensure(ctx context.Context, principal session.Principal, seed Seed) (*session.Profile, error) {
	p, err := r.Get(ctx, principal.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p = newProfile(principal, seed)
	if err := r.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryRepository keeps profiles in memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]*session.Profile
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles: make(map[string]*session.Profile),
		now:      time.Now,
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Get(ctx context.Context, userID string) (*session.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) Create(ctx context.Context, p *session.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.profiles[p.UserID]; ok {
		*p = *existing
		return nil
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	r.profiles[p.UserID] = &cp
	return nil
}

func (r *MemoryRepository) Ensure(ctx context.Context, principal session.Principal, seed Seed) (*session.Profile, error) {
	if p, err := r.Get(ctx, principal.ID); err == nil {
		return p, nil
	}
	p := newProfile(principal, seed)
	if err := r.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
