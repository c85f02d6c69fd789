package authstate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/reelapps/authsync/pkg/async"
	"github.com/reelapps/authsync/pkg/broadcast"
	"github.com/reelapps/authsync/pkg/identity"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/profile"
	"github.com/reelapps/authsync/pkg/refresh"
	"github.com/reelapps/authsync/pkg/retry"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sessionstore"
)

const (
	defaultProfileCacheSize = 128
	defaultProfileCacheTTL  = 5 * time.Minute
	defaultTaskTimeout      = 30 * time.Second
)

// ActivityTracker records session activity. It is optional; failures are
// logged only.
type ActivityTracker interface {
	Touch(ctx context.Context, principalID, accessToken string, expiresAt time.Time) error
	Deactivate(ctx context.Context, principalID string) error
}

// Options wires a Machine. Store and Provider are required; Broadcast,
// Profiles and Activity may be nil.
type Options struct {
	Store     *sessionstore.Store
	Broadcast *broadcast.Broadcast
	Provider  identity.Provider
	Profiles  profile.Fetcher
	Activity  ActivityTracker

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Retry   retry.Policies

	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	ProfileCacheSize int
	ProfileCacheTTL  time.Duration
	// TaskTimeout bounds background profile fetches, activity writes and
	// broadcast handling.
	TaskTimeout time.Duration

	Clock func() time.Time
}

// Machine is the auth state of one context. It restores the session on
// Initialize, keeps it fresh, and converges with the other contexts
// through the shared store and the broadcast channel.
//
// Mutations follow one order: in-memory state, then the shared store,
// then the broadcast. Concurrent writers to the store race and the last
// one wins.
type Machine struct {
	store     *sessionstore.Store
	bcast     *broadcast.Broadcast
	provider  identity.Provider
	profiles  profile.Fetcher
	activity  ActivityTracker
	logger    *observability.Logger
	metrics   *observability.Metrics
	retry     retry.Policies
	now       func() time.Time
	timeout   time.Duration
	refresher *refresh.Scheduler
	cache     *expirable.LRU[string, *session.Profile]
	tasks     *async.Group

	initFlight singleflight.Group
	ready      chan struct{}
	readyOnce  sync.Once

	mu    sync.Mutex
	state State
	// held is the record behind state, zero when there is none.
	held        session.Record
	initDone    bool
	initErr     error
	seed        *profile.Seed
	unsubscribe func()
	closed      bool

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

// New creates a Machine in PhaseInitializing.
func New(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultPolicies()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ProfileCacheSize <= 0 {
		opts.ProfileCacheSize = defaultProfileCacheSize
	}
	if opts.ProfileCacheTTL <= 0 {
		opts.ProfileCacheTTL = defaultProfileCacheTTL
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}

	logger := opts.Logger.WithField("component", "authstate")
	if opts.Broadcast != nil {
		logger = logger.WithField("context_id", opts.Broadcast.ID())
	}

	m := &Machine{
		store:     opts.Store,
		bcast:     opts.Broadcast,
		provider:  opts.Provider,
		profiles:  opts.Profiles,
		activity:  opts.Activity,
		logger:    logger,
		metrics:   opts.Metrics,
		retry:     opts.Retry,
		now:       opts.Clock,
		timeout:   opts.TaskTimeout,
		cache:     expirable.NewLRU[string, *session.Profile](opts.ProfileCacheSize, nil, opts.ProfileCacheTTL),
		tasks:     async.NewGroup(logger),
		ready:     make(chan struct{}),
		state:     State{Phase: PhaseInitializing},
		listeners: make(map[int]func(State)),
	}
	m.refresher = refresh.New(m, refresh.Options{
		Interval: opts.RefreshInterval,
		Timeout:  opts.RefreshTimeout,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	return m
}

// Initialize restores the session: the shared store first, then the
// provider's own session. It then joins the broadcast channel. Concurrent
// calls share one run; later calls return its result without touching the
// provider again.
func (m *Machine) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initDone {
		err := m.initErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	_, err, _ := m.initFlight.Do("initialize", func() (interface{}, error) {
		m.mu.Lock()
		if m.initDone {
			err := m.initErr
			m.mu.Unlock()
			return nil, err
		}
		m.mu.Unlock()

		err := m.initialize(ctx)

		m.mu.Lock()
		m.initDone = true
		m.initErr = err
		m.mu.Unlock()
		m.readyOnce.Do(func() { close(m.ready) })
		return nil, err
	})
	return err
}

func (m *Machine) initialize(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialization panicked: %v", r)
			m.fail(err)
		}
	}()

	if m.provider == nil || m.store == nil {
		err := fmt.Errorf("%w: no identity provider or store configured", session.ErrIdentityProviderUnavailable)
		m.fail(err)
		return err
	}

	rec, fromStore, err := m.restore(ctx)
	switch {
	case err != nil:
		m.fail(err)
	case rec == nil:
		m.update(func(State) (State, bool) {
			return State{Phase: PhaseUnauthenticated}, true
		})
	default:
		m.establish(ctx, *rec, establishOptions{persist: !fromStore})
		m.logger.WithFields(map[string]interface{}{
			"principal_id": rec.Principal.ID,
			"from_store":   fromStore,
		}).Info("Session restored")
	}

	m.joinBroadcast()
	return err
}

func (m *Machine) fail(err error) {
	m.logger.WithError(err).Error("Auth initialization failed")
	m.update(func(State) (State, bool) {
		m.held = session.Record{}
		return State{Phase: PhaseError, Err: err}, true
	})
}

// restore returns the session to start with, or nil when there is none.
func (m *Machine) restore(ctx context.Context) (*session.Record, bool, error) {
	if rec, ok := m.store.Get(ctx); ok {
		err := m.provider.Adopt(ctx, *rec)
		if err == nil {
			return rec, true, nil
		}
		m.logger.WithError(err).Warn("Failed to adopt shared session, asking provider")
	}

	rec, err := m.provider.Current(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load provider session: %w", err)
	}
	if !rec.Valid(m.now()) {
		return nil, false, nil
	}
	return rec, false, nil
}

func (m *Machine) joinBroadcast() {
	if m.bcast == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil || m.closed {
		return
	}
	m.unsubscribe = m.bcast.Subscribe(m.handleMessage)
}

// Ready is closed once Initialize has finished, whatever the outcome.
func (m *Machine) Ready() <-chan struct{} {
	return m.ready
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// HoldsAccessToken reports whether token is the access token of the
// current session.
func (m *Machine) HoldsAccessToken(token string) bool {
	rec, ok := m.Session()
	if !ok || token == "" || rec.AccessToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(rec.AccessToken)) == 1
}

// Session returns the record behind the current state, if authenticated.
func (m *Machine) Session() (session.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Authenticated() {
		return session.Record{}, false
	}
	return m.held, true
}

// Subscribe registers fn for state changes and returns its disposer.
// Listeners run outside the machine lock, possibly concurrently.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Login authenticates with the provider and shares the new session.
// Provider errors are returned unchanged.
func (m *Machine) Login(ctx context.Context, creds identity.Credentials) error {
	if m.provider == nil {
		return identity.ErrNotConfigured
	}
	rec, err := m.provider.Login(ctx, creds)
	if err != nil {
		m.logger.WithError(err).WithField("email", creds.Email).Info("Login rejected")
		return err
	}
	if !rec.Valid(m.now()) {
		return fmt.Errorf("provider returned an expired session: %w", session.ErrNoSession)
	}
	m.establish(ctx, *rec, establishOptions{persist: true, publish: true})
	m.logger.WithField("principal_id", rec.Principal.ID).Info("Logged in")
	return nil
}

// Signup registers with the provider. When the provider issues a session
// straight away it is established like a login and the profile is created
// from the signup fields.
func (m *Machine) Signup(ctx context.Context, creds identity.Credentials, p identity.SignupProfile) error {
	if m.provider == nil {
		return identity.ErrNotConfigured
	}
	rec, err := m.provider.Signup(ctx, creds, p)
	if err != nil {
		return err
	}
	if rec == nil {
		m.logger.WithField("email", creds.Email).Info("Signup pending confirmation")
		return nil
	}
	if !rec.Valid(m.now()) {
		return fmt.Errorf("provider returned an expired session: %w", session.ErrNoSession)
	}
	m.establish(ctx, *rec, establishOptions{
		persist: true,
		publish: true,
		seed:    &profile.Seed{FirstName: p.FirstName, LastName: p.LastName, Role: p.Role},
	})
	return nil
}

// AdoptSSO installs a session handed over by the SSO exchange and shares it.
func (m *Machine) AdoptSSO(ctx context.Context, rec session.Record) error {
	if m.provider == nil {
		return identity.ErrNotConfigured
	}
	if !rec.Valid(m.now()) {
		return fmt.Errorf("%w: exchanged session already expired", session.ErrSSOValidation)
	}
	if err := m.provider.Adopt(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", session.ErrSSOValidation, err)
	}
	m.establish(ctx, rec, establishOptions{persist: true, publish: true})
	return nil
}

// Logout signs out at the provider, clears the local and shared session
// and tells the other contexts. The local logout always completes; a
// provider failure is logged and returned.
func (m *Machine) Logout(ctx context.Context) error {
	var providerErr error
	if m.provider != nil {
		if providerErr = m.provider.Logout(ctx); providerErr != nil {
			m.logger.WithError(providerErr).Warn("Provider sign-out failed, logging out locally")
		}
	}

	principal := m.clearLocal()
	if m.store != nil {
		m.store.Clear(ctx)
	}
	if m.bcast != nil {
		m.bcast.Publish(ctx, broadcast.LoggedOut())
	}
	m.refresher.Stop()
	m.deactivate(principal)
	m.logger.Info("Logged out")
	return providerErr
}

// RefreshProfile reloads the profile of the current principal, bypassing
// the cache.
func (m *Machine) RefreshProfile(ctx context.Context) error {
	m.mu.Lock()
	principal := m.state.Principal
	m.mu.Unlock()
	if principal == nil {
		return session.ErrNoSession
	}
	m.cache.Remove(principal.ID)
	return m.loadProfile(ctx, *principal, nil)
}

// RefreshSession renews the session with the provider and shares the new
// record. On failure the current session stays in place.
func (m *Machine) RefreshSession(ctx context.Context) error {
	m.mu.Lock()
	current := m.state.Principal
	authenticated := m.state.Authenticated()
	m.mu.Unlock()
	if !authenticated {
		return session.ErrNoSession
	}

	var rec *session.Record
	err := m.retry.For(retry.ClassRefresh).Do(ctx, func(ctx context.Context) error {
		r, err := m.provider.Refresh(ctx)
		if errors.Is(err, session.ErrNoSession) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !r.Valid(m.now()) {
			return fmt.Errorf("provider returned an expired session")
		}
		rec = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, session.ErrRefreshFailure) {
			err = fmt.Errorf("%w: %w", session.ErrRefreshFailure, err)
		}
		return err
	}

	if rec.Principal.ID != current.ID {
		return fmt.Errorf("%w: provider returned a different principal", session.ErrRefreshFailure)
	}
	if !m.establish(ctx, *rec, establishOptions{persist: true, publish: true, keepRefresh: true, requirePrincipal: current.ID}) {
		m.logger.Debug("Session changed during refresh, discarding refreshed record")
	}
	return nil
}

// Close stops the refresh schedule, leaves the broadcast channel and
// cancels background work. The broadcast itself belongs to the caller.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.refresher.Stop()
	m.readyOnce.Do(func() { close(m.ready) })
	return m.tasks.Close(5 * time.Second)
}

func (m *Machine) handleMessage(msg broadcast.Message) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	switch msg.Type {
	case broadcast.TypeSessionUpdate:
		rec := *msg.Session
		if !rec.Valid(m.now()) {
			m.logger.WithField("principal_id", rec.Principal.ID).Debug("Ignoring expired session update")
			return
		}
		if err := m.provider.Adopt(ctx, rec); err != nil {
			m.logger.WithError(err).Warn("Failed to adopt broadcast session")
			return
		}
		// The sender already wrote the store.
		m.establish(ctx, rec, establishOptions{refetchProfile: true})
		m.logger.WithField("principal_id", rec.Principal.ID).Debug("Adopted session from another context")

	case broadcast.TypeLogout:
		principal := m.clearLocal()
		m.store.Clear(ctx)
		m.refresher.Stop()
		if principal != nil {
			m.logger.WithField("principal_id", principal.ID).Debug("Logged out by another context")
		}
	}
}

type establishOptions struct {
	persist        bool
	publish        bool
	keepRefresh    bool
	refetchProfile bool
	seed           *profile.Seed
	// requirePrincipal aborts unless this principal is still authenticated.
	requirePrincipal string
}

// establish makes rec the active session: state first, then store, then
// broadcast, then the background work that hangs off a session. It
// reports false when requirePrincipal no longer holds.
func (m *Machine) establish(ctx context.Context, rec session.Record, opts establishOptions) bool {
	principal := rec.Principal
	var seed *profile.Seed
	var needProfile, closed bool

	applied := m.update(func(cur State) (State, bool) {
		if opts.requirePrincipal != "" && (!cur.Authenticated() || cur.Principal.ID != opts.requirePrincipal) {
			return cur, false
		}
		next := State{Phase: PhaseAuthenticated, Principal: &principal}
		if cur.Principal != nil && cur.Principal.ID == principal.ID {
			next.Profile = cur.Profile
		} else if cached, ok := m.cache.Get(principal.ID); ok {
			next.Profile = cached
		}
		if opts.seed != nil {
			m.seed = opts.seed
		}
		m.held = rec
		seed = m.seed
		needProfile = next.Profile == nil || opts.seed != nil || opts.refetchProfile
		closed = m.closed
		return next, true
	})
	if !applied {
		return false
	}

	if opts.persist {
		m.store.Put(ctx, rec)
	}
	if opts.publish && m.bcast != nil {
		m.bcast.Publish(ctx, broadcast.SessionUpdated(rec))
	}

	m.touch(rec)
	if needProfile {
		m.fetchProfile(principal, seed)
	}
	if !opts.keepRefresh && !closed {
		if err := m.refresher.Start(); err != nil {
			m.logger.WithError(err).Error("Failed to start refresh scheduler")
		}
	}
	return true
}

// clearLocal drops the in-memory session and returns the principal it held.
func (m *Machine) clearLocal() *session.Principal {
	var principal *session.Principal
	m.update(func(cur State) (State, bool) {
		principal = cur.Principal
		m.seed = nil
		m.held = session.Record{}
		return State{Phase: PhaseUnauthenticated}, true
	})
	return principal
}

// update applies fn to the state under the lock. fn may touch other
// fields guarded by mu. Listeners are notified outside the lock.
func (m *Machine) update(fn func(cur State) (State, bool)) bool {
	m.mu.Lock()
	next, ok := fn(m.state)
	if !ok {
		m.mu.Unlock()
		return false
	}
	prev := m.state.Phase
	m.state = next
	snapshot := next.clone()
	m.mu.Unlock()

	if prev != next.Phase {
		m.metrics.Transition(string(prev), string(next.Phase))
	}
	m.notify(snapshot)
	return true
}

func (m *Machine) notify(snapshot State) {
	m.listenersMu.Lock()
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (m *Machine) fetchProfile(principal session.Principal, seed *profile.Seed) {
	if m.profiles == nil {
		return
	}
	m.tasks.Go(m.timeout, "profile fetch", func(ctx context.Context) error {
		return m.loadProfile(ctx, principal, seed)
	})
}

// loadProfile fetches the profile and attaches it when principal is still
// the active one.
func (m *Machine) loadProfile(ctx context.Context, principal session.Principal, seed *profile.Seed) error {
	if m.profiles == nil {
		return nil
	}
	s := profile.Seed{}
	if seed != nil {
		s = *seed
	}

	var p *session.Profile
	err := m.retry.For(retry.ClassProfile).Do(ctx, func(ctx context.Context) error {
		var err error
		p, err = m.profiles.Ensure(ctx, principal, s)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load profile for %s: %w", principal.ID, err)
	}
	m.cache.Add(principal.ID, p)

	m.update(func(cur State) (State, bool) {
		if cur.Principal == nil || cur.Principal.ID != principal.ID {
			return cur, false
		}
		next := cur.clone()
		next.Profile = p
		m.seed = nil
		return next, true
	})
	return nil
}

func (m *Machine) touch(rec session.Record) {
	if m.activity == nil {
		return
	}
	m.tasks.Go(m.timeout, "activity touch", func(ctx context.Context) error {
		return m.activity.Touch(ctx, rec.Principal.ID, rec.AccessToken, rec.ExpiresAt)
	})
}

func (m *Machine) deactivate(principal *session.Principal) {
	if m.activity == nil || principal == nil {
		return
	}
	id := principal.ID
	m.tasks.Go(m.timeout, "activity deactivate", func(ctx context.Context) error {
		return m.activity.Deactivate(ctx, id)
	})
}
