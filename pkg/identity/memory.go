package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelapps/authsync/pkg/session"
)

// MemoryProvider is an in-process identity provider for tests and local
// development. Users and issued tokens live in memory; every context that
// shares one MemoryProvider shares its user directory, but each context
// should hold its own provider handle from Session().
type MemoryProvider struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	users    map[string]*memoryUser
	refresh  map[string]string // refresh token -> user id
	revoked  map[string]bool   // access tokens
	sessions int
}

type memoryUser struct {
	principal session.Principal
	password  string
	profile   SignupProfile
}

// NewMemoryProvider creates a directory issuing sessions that live ttl.
func NewMemoryProvider(ttl time.Duration) *MemoryProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryProvider{
		ttl:     ttl,
		now:     time.Now,
		users:   make(map[string]*memoryUser),
		refresh: make(map[string]string),
		revoked: make(map[string]bool),
	}
}

// WithClock replaces the provider clock.
func (m *MemoryProvider) WithClock(now func() time.Time) *MemoryProvider {
	m.now = now
	return m
}

// AddUser registers a user and returns its principal.
func (m *MemoryProvider) AddUser(email, password string) session.Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &memoryUser{
		principal: session.Principal{ID: uuid.NewString(), Email: email},
		password:  password,
	}
	m.users[email] = u
	return u.principal
}

// Issued returns how many sessions the directory has issued.
func (m *MemoryProvider) Issued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

func (m *MemoryProvider) issue(p session.Principal) session.Record {
	rec := session.Record{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    m.now().Add(m.ttl),
		Principal:    p,
	}
	m.refresh[rec.RefreshToken] = p.ID
	m.sessions++
	return rec
}

// Session returns a provider handle holding its own active credential.
func (m *MemoryProvider) Session() *MemorySession {
	return &MemorySession{dir: m}
}

// MemorySession is one context's view of a MemoryProvider.
type MemorySession struct {
	dir *MemoryProvider

	mu     sync.Mutex
	active *session.Record
}

var _ Provider = (*MemorySession)(nil)

func (s *MemorySession) set(rec *session.Record) {
	s.mu.Lock()
	s.active = rec
	s.mu.Unlock()
}

func (s *MemorySession) Current(ctx context.Context) (*session.Record, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil, nil
	}

	s.dir.mu.Lock()
	revoked := s.dir.revoked[active.AccessToken]
	s.dir.mu.Unlock()
	if revoked || !active.Valid(s.dir.now()) {
		return nil, nil
	}
	rec := *active
	return &rec, nil
}

func (s *MemorySession) Adopt(ctx context.Context, rec session.Record) error {
	if !rec.Valid(s.dir.now()) {
		return fmt.Errorf("cannot adopt expired session: %w", session.ErrNoSession)
	}
	s.set(&rec)
	return nil
}

func (s *MemorySession) Login(ctx context.Context, creds Credentials) (*session.Record, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	s.dir.mu.Lock()
	u, ok := s.dir.users[creds.Email]
	if !ok || u.password != creds.Password {
		s.dir.mu.Unlock()
		return nil, ErrInvalidCredentials
	}
	rec := s.dir.issue(u.principal)
	s.dir.mu.Unlock()

	s.set(&rec)
	return &rec, nil
}

func (s *MemorySession) Signup(ctx context.Context, creds Credentials, profile SignupProfile) (*session.Record, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	s.dir.mu.Lock()
	if _, ok := s.dir.users[creds.Email]; ok {
		s.dir.mu.Unlock()
		return nil, ErrUserExists
	}
	u := &memoryUser{
		principal: session.Principal{ID: uuid.NewString(), Email: creds.Email},
		password:  creds.Password,
		profile:   profile,
	}
	s.dir.users[creds.Email] = u
	rec := s.dir.issue(u.principal)
	s.dir.mu.Unlock()

	s.set(&rec)
	return &rec, nil
}

func (s *MemorySession) Refresh(ctx context.Context) (*session.Record, error) {
	s.mu.Lock()
	cur := s.active
	s.mu.Unlock()
	if cur == nil {
		return nil, session.ErrNoSession
	}

	s.dir.mu.Lock()
	userID, ok := s.dir.refresh[cur.RefreshToken]
	if !ok || userID != cur.Principal.ID {
		s.dir.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown refresh token", session.ErrRefreshFailure)
	}
	delete(s.dir.refresh, cur.RefreshToken)
	s.dir.revoked[cur.AccessToken] = true
	rec := s.dir.issue(cur.Principal)
	s.dir.mu.Unlock()

	s.set(&rec)
	return &rec, nil
}

func (s *MemorySession) Logout(ctx context.Context) error {
	s.mu.Lock()
	cur := s.active
	s.active = nil
	s.mu.Unlock()
	if cur == nil {
		return nil
	}

	s.dir.mu.Lock()
	s.dir.revoked[cur.AccessToken] = true
	delete(s.dir.refresh, cur.RefreshToken)
	s.dir.mu.Unlock()
	return nil
}
