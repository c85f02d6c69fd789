package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reelapps/authsync/pkg/authstate"
	"github.com/reelapps/authsync/pkg/contextkeys"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sso"
)

const testAccessToken = "access-u-1"

type fakeGate struct {
	ready chan struct{}
	state authstate.State
	token string
}

func newFakeGate(state authstate.State) *fakeGate {
	g := &fakeGate{ready: make(chan struct{}), state: state}
	if state.Authenticated() {
		g.token = testAccessToken
	}
	close(g.ready)
	return g
}

func (g *fakeGate) Ready() <-chan struct{} { return g.ready }
func (g *fakeGate) State() authstate.State { return g.state }

func (g *fakeGate) HoldsAccessToken(token string) bool {
	return g.token != "" && token == g.token
}

func authorized(r *http.Request) *http.Request {
	r.Header.Set("Authorization", "Bearer "+testAccessToken)
	return r
}

type fakeRedirector struct {
	completeErr error
	begun       int
	completed   int
}

func (r *fakeRedirector) HasToken(req *http.Request) bool {
	return req.URL.Query().Get(sso.TokenParam) != ""
}

func (r *fakeRedirector) BeginRedirect(w http.ResponseWriter, req *http.Request) error {
	r.begun++
	http.Redirect(w, req, "https://reelapps.example/auth/sso", http.StatusFound)
	return nil
}

func (r *fakeRedirector) CompleteRedirect(w http.ResponseWriter, req *http.Request) error {
	r.completed++
	return r.completeErr
}

func setupSessionTest(t *testing.T, state authstate.State) (http.Handler, *fakeRedirector, *session.Principal) {
	t.Helper()
	rd := &fakeRedirector{}
	seen := &session.Principal{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := contextkeys.GetPrincipal(r.Context())
		if !ok {
			t.Error("principal missing from context")
		}
		*seen = p
		w.WriteHeader(http.StatusOK)
	})
	return RequireSession(newFakeGate(state), rd, nil)(next), rd, seen
}

func TestRequireSession_Authenticated(t *testing.T) {
	principal := &session.Principal{ID: "u-1", Email: "ada@example.com"}
	handler, rd, seen := setupSessionTest(t, authstate.State{Phase: authstate.PhaseAuthenticated, Principal: principal})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authorized(httptest.NewRequest(http.MethodGet, "https://talent.reelapps.example/jobs", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, *principal, *seen)
	assert.Equal(t, 0, rd.begun)
}

func TestRequireSession_AcceptsAccessTokenCookie(t *testing.T) {
	principal := &session.Principal{ID: "u-1", Email: "ada@example.com"}
	handler, _, seen := setupSessionTest(t, authstate.State{Phase: authstate.PhaseAuthenticated, Principal: principal})

	req := httptest.NewRequest(http.MethodGet, "https://talent.reelapps.example/jobs", nil)
	req.AddCookie(&http.Cookie{Name: sso.AccessTokenCookie, Value: testAccessToken})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, principal.ID, seen.ID)
}

func TestRequireSession_RequiresCallerCredential(t *testing.T) {
	principal := &session.Principal{ID: "u-1", Email: "ada@example.com"}
	state := authstate.State{Phase: authstate.PhaseAuthenticated, Principal: principal}

	tests := []struct {
		name   string
		header string
		cookie string
	}{
		{name: "anonymous"},
		{name: "wrong bearer", header: "Bearer access-u-2"},
		{name: "refresh token", header: "Bearer refresh-u-1"},
		{name: "wrong scheme", header: "Basic " + testAccessToken},
		{name: "wrong cookie", cookie: "access-u-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newFakeGate(state)
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: sso.AccessTokenCookie, Value: tt.cookie})
			}

			rec := httptest.NewRecorder()
			RequireSession(gate, nil, nil)(next).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotContains(t, rec.Body.String(), principal.Email)
			assert.False(t, called)

			rd := &fakeRedirector{}
			rec = httptest.NewRecorder()
			RequireSession(gate, rd, nil)(next).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusFound, rec.Code, "a browser without the credential goes through SSO")
			assert.Equal(t, 1, rd.begun)
			assert.False(t, called)
		})
	}
}

func TestRequireSession_UnauthenticatedRedirects(t *testing.T) {
	handler, rd, _ := setupSessionTest(t, authstate.State{Phase: authstate.PhaseUnauthenticated})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://talent.reelapps.example/jobs", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1, rd.begun)
}

func TestRequireSession_CompletesToken(t *testing.T) {
	handler, rd, _ := setupSessionTest(t, authstate.State{Phase: authstate.PhaseUnauthenticated})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"https://talent.reelapps.example/jobs?page=2&"+sso.TokenParam+"=abc", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1, rd.completed)
	assert.Equal(t, 0, rd.begun)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "page=2")
	assert.NotContains(t, loc, sso.TokenParam)
}

func TestRequireSession_TokenRejected(t *testing.T) {
	handler, rd, _ := setupSessionTest(t, authstate.State{Phase: authstate.PhaseUnauthenticated})
	rd.completeErr = errors.New("bad token")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"https://talent.reelapps.example/?"+sso.TokenParam+"=abc", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, rd.begun, "a failed exchange must not redirect again")
}

func TestRequireSession_ErrorPhase(t *testing.T) {
	handler, rd, _ := setupSessionTest(t, authstate.State{Phase: authstate.PhaseError, Err: session.ErrIdentityProviderUnavailable})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, rd.begun)
}

func TestRequireSession_WithoutRedirector(t *testing.T) {
	gate := newFakeGate(authstate.State{Phase: authstate.PhaseUnauthenticated})
	handler := RequireSession(gate, nil, nil)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSession_WaitsForReady(t *testing.T) {
	gate := &fakeGate{ready: make(chan struct{}), state: authstate.State{Phase: authstate.PhaseInitializing}}
	handler := RequireSession(gate, &fakeRedirector{}, nil)(okHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
