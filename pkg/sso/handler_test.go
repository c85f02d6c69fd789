package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelapps/authsync/pkg/audit"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/profile"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sessionstore"
	"github.com/reelapps/authsync/pkg/storage"
)

type handlerTest struct {
	router   *mux.Router
	store    *sessionstore.Store
	profiles *profile.MemoryRepository
	tokens   *TokenService
	metrics  *observability.Metrics
	audit    *audit.FileLogger
	rec      session.Record
}

func setupHandlerTest(t *testing.T) (*handlerTest, func()) {
	t.Helper()
	kv := storage.NewMemoryStore()
	cfg := Config{SigningKey: testKey}

	ht := &handlerTest{
		router:   mux.NewRouter(),
		store:    sessionstore.New(kv),
		profiles: profile.NewMemoryRepository(),
		tokens:   NewTokenService(cfg, kv),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		rec:      testSession(),
	}
	ht.store.Put(context.Background(), ht.rec)

	auditLog, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	ht.audit = auditLog

	h := NewHandler(HandlerOptions{
		Config:   cfg,
		Resolver: StoreResolver{Store: ht.store},
		Profiles: ht.profiles,
		Tokens:   ht.tokens,
		Audit:    audit.NewRecorder(auditLog, nil),
		Metrics:  ht.metrics,
	})
	h.RegisterRoutes(ht.router)

	cleanup := func() {
		auditLog.Close()
		kv.Close()
	}
	return ht, cleanup
}

func (ht *handlerTest) authorize(t *testing.T, returnURL string, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()
	target := "https://www.reelapps.co.za/auth/sso?" + url.Values{ReturnURLParam: {returnURL}}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if signedIn {
		req.Header.Set("Authorization", "Bearer "+ht.rec.AccessToken)
	}
	w := httptest.NewRecorder()
	ht.router.ServeHTTP(w, req)
	return w
}

func (ht *handlerTest) setRole(t *testing.T, role session.Role) {
	t.Helper()
	_, err := ht.profiles.Ensure(context.Background(), ht.rec.Principal, profile.Seed{Role: role})
	require.NoError(t, err)
}

func TestHandler_UnauthenticatedGoesToLogin(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	w := ht.authorize(t, "https://reelcv.reelapps.co.za/", false)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/login", loc.Path)
	next, err := url.Parse(loc.Query().Get(RedirectParam))
	require.NoError(t, err)
	assert.Equal(t, "/auth/sso", next.Path)
	assert.Equal(t, "https://reelcv.reelapps.co.za/", next.Query().Get(ReturnURLParam))
}

func TestHandler_WrongTokenIsUnauthenticated(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "https://www.reelapps.co.za/auth/sso?return_url=https://reelcv.reelapps.co.za/", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "stolen"})
	w := httptest.NewRecorder()
	ht.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "/auth/login")
}

func TestHandler_GrantsEntitledApp(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	w := ht.authorize(t, "https://reelcv.reelapps.co.za/dashboard?tab=2", true)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "reelcv.reelapps.co.za", loc.Host)
	assert.Equal(t, "/dashboard", loc.Path)
	assert.Equal(t, "2", loc.Query().Get("tab"))

	token := loc.Query().Get(TokenParam)
	require.NotEmpty(t, token)
	rec, err := ht.tokens.Exchange(context.Background(), token, "reelcv.reelapps.co.za")
	require.NoError(t, err)
	assert.Equal(t, ht.rec.AccessToken, rec.AccessToken)

	assert.Equal(t, float64(1), testutil.ToFloat64(ht.metrics.SSOGrantsTotal.WithLabelValues("reelcv")))
}

func TestHandler_RejectsForeignHost(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	targets := []string{
		"https://evil.example.com/x",
		"https://www.reelapps.co.za/",
		"http://reelcv.reelapps.co.za/",
		"",
	}
	for _, signedIn := range []bool{true, false} {
		for _, target := range targets {
			w := ht.authorize(t, target, signedIn)
			assert.Equal(t, http.StatusBadRequest, w.Code, "%q signed in=%v", target, signedIn)
			assert.Empty(t, w.Header().Get("Location"), "a bad return URL never reaches the login page")
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		}
	}
	assert.Equal(t, float64(8), testutil.ToFloat64(ht.metrics.SSORejectionsTotal.WithLabelValues("invalid_return_url")))
}

func TestPresentedAccessToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, PresentedAccessToken(req))

	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", PresentedAccessToken(req))

	req.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", PresentedAccessToken(req), "the header wins over the cookie")

	req.Header.Set("Authorization", "Basic from-header")
	assert.Equal(t, "from-cookie", PresentedAccessToken(req))
}

func TestHandler_DeniesUnentitledRole(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()
	ht.setRole(t, session.RoleRecruiter)

	w := ht.authorize(t, "https://reelcv.reelapps.co.za/", true)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "reelcv")
	assert.Empty(t, w.Header().Get("Location"))

	w = ht.authorize(t, "https://reelhunter.reelapps.co.za/", true)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestHandler_AuditsDecisions(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()
	ht.setRole(t, session.RoleRecruiter)

	require.Equal(t, http.StatusForbidden, ht.authorize(t, "https://reelcv.reelapps.co.za/", true).Code)
	require.Equal(t, http.StatusFound, ht.authorize(t, "https://reelhunter.reelapps.co.za/", true).Code)

	events, err := ht.audit.ReadLogs(0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, audit.EventTypeSSODenied, events[0].EventType)
	assert.Equal(t, audit.EventStatusDenied, events[0].Status)
	assert.Equal(t, "reelcv", events[0].App)
	assert.Equal(t, "recruiter", events[0].Metadata["role"])

	assert.Equal(t, audit.EventTypeSSOGrant, events[1].EventType)
	assert.Equal(t, ht.rec.Principal.ID, events[1].PrincipalID)
	assert.Equal(t, "reelhunter", events[1].App)
}

func TestHandler_MissingProfileDefaultsToCandidate(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	w := ht.authorize(t, "https://reelhunter.reelapps.co.za/", true)
	assert.Equal(t, http.StatusForbidden, w.Code)

	p, err := ht.profiles.Get(context.Background(), ht.rec.Principal.ID)
	require.NoError(t, err)
	assert.Equal(t, session.RoleCandidate, p.Role)
}

func TestHandler_ExchangeEndpoint(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	token, err := ht.tokens.Mint(context.Background(), ht.rec, "reelcv.reelapps.co.za")
	require.NoError(t, err)

	post := func(body interface{}) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, ExchangePath, bytes.NewReader(data))
		w := httptest.NewRecorder()
		ht.router.ServeHTTP(w, req)
		return w
	}

	w := post(exchangeRequest{Token: token, Host: "reelhunter.reelapps.co.za"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(exchangeRequest{Token: token, Host: "reelcv.reelapps.co.za"})
	require.Equal(t, http.StatusOK, w.Code)
	rec, err := session.Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ht.rec.Principal, rec.Principal)

	w = post(exchangeRequest{Token: token, Host: "reelcv.reelapps.co.za"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(map[string]string{"token": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoteExchanger(t *testing.T) {
	ht, cleanup := setupHandlerTest(t)
	defer cleanup()

	server := httptest.NewServer(ht.router)
	defer server.Close()

	token, err := ht.tokens.Mint(context.Background(), ht.rec, "reelcv.reelapps.co.za")
	require.NoError(t, err)

	ex := NewRemoteExchanger("www.reelapps.co.za", server.Client()).WithEndpoint(server.URL + ExchangePath)
	rec, err := ex.Exchange(context.Background(), token, "reelcv.reelapps.co.za")
	require.NoError(t, err)
	assert.Equal(t, ht.rec.AccessToken, rec.AccessToken)

	_, err = ex.Exchange(context.Background(), token, "reelcv.reelapps.co.za")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
