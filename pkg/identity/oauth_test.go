package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelapps/authsync/pkg/session"
)

const testAPIKey = "anon-key"

type tokenServer struct {
	*httptest.Server
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	idToken      string
}

func setupOAuthTest(t *testing.T) (*OAuthProvider, *tokenServer, func()) {
	t.Helper()

	ts := &tokenServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("username") != "ada@reelapps.co.za" || r.PostForm.Get("password") != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error":             "invalid_grant",
					"error_description": "Invalid login credentials",
				})
				return
			}
			resp := map[string]interface{}{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "bearer",
				"expires_in":    3600,
				"user":          map[string]string{"id": "user-1", "email": "ada@reelapps.co.za"},
			}
			if ts.idToken != "" {
				delete(resp, "user")
				resp["id_token"] = ts.idToken
			}
			json.NewEncoder(w).Encode(resp)
		case "refresh_token":
			ts.refreshCalls.Add(1)
			if r.PostForm.Get("refresh_token") != "refresh-1" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "access-2",
				"refresh_token": "refresh-2",
				"token_type":    "bearer",
				"expires_in":    3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		var req signupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Email {
		case "taken@reelapps.co.za":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "confirm@reelapps.co.za":
			json.NewEncoder(w).Encode(map[string]interface{}{"user": map[string]string{"id": "user-3"}})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "access-new",
				"refresh_token": "refresh-new",
				"expires_in":    3600,
				"user":          map[string]string{"id": "user-2", "email": req.Email},
			})
		}
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		ts.logoutCalls.Add(1)
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ts.Server = httptest.NewServer(mux)

	p, err := NewOAuthProvider(context.Background(), OAuthConfig{
		ClientID:  "authsync",
		APIKey:    testAPIKey,
		TokenURL:  ts.URL + "/token",
		SignupURL: ts.URL + "/signup",
		LogoutURL: ts.URL + "/logout",
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	cleanup := func() {
		ts.Close()
	}
	return p, ts, cleanup
}

func TestOAuthConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  OAuthConfig
		wantErr bool
	}{
		{"issuer only", OAuthConfig{ClientID: "c", IssuerURL: "https://id.reelapps.co.za"}, false},
		{"token url only", OAuthConfig{ClientID: "c", TokenURL: "https://id.reelapps.co.za/token"}, false},
		{"missing client", OAuthConfig{IssuerURL: "https://id.reelapps.co.za"}, true},
		{"missing endpoints", OAuthConfig{ClientID: "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrNotConfigured)
			assert.ErrorIs(t, err, session.ErrIdentityProviderUnavailable)
		})
	}
}

func TestNewOAuthProvider_DiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewOAuthProvider(context.Background(), OAuthConfig{ClientID: "c", IssuerURL: server.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrIdentityProviderUnavailable))
}

func TestOAuthProvider_Login(t *testing.T) {
	p, _, cleanup := setupOAuthTest(t)
	defer cleanup()
	ctx := context.Background()

	current, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	rec, err := p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "access-1", rec.AccessToken)
	assert.Equal(t, session.Principal{ID: "user-1", Email: "ada@reelapps.co.za"}, rec.Principal)
	assert.True(t, rec.Valid(time.Now()))

	current, err = p.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "access-1", current.AccessToken)
}

func TestOAuthProvider_LoginRejected(t *testing.T) {
	p, _, cleanup := setupOAuthTest(t)
	defer cleanup()

	_, err := p.Login(context.Background(), Credentials{Email: "ada@reelapps.co.za", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Login(context.Background(), Credentials{Email: "ada@reelapps.co.za"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOAuthProvider_RefreshKeepsPrincipal(t *testing.T) {
	p, ts, cleanup := setupOAuthTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := p.Refresh(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)

	rec, err := p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", rec.AccessToken)
	assert.Equal(t, "refresh-2", rec.RefreshToken)
	assert.Equal(t, "user-1", rec.Principal.ID)
	assert.Equal(t, int32(1), ts.refreshCalls.Load())

	// refresh-2 is unknown to the server.
	_, err = p.Refresh(ctx)
	assert.ErrorIs(t, err, session.ErrRefreshFailure)
}

func TestOAuthProvider_CurrentRefreshesExpired(t *testing.T) {
	p, ts, cleanup := setupOAuthTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, p.Adopt(ctx, session.Record{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
		Principal:    session.Principal{ID: "user-1"},
	}))
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	rec, err := p.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "access-2", rec.AccessToken)
	assert.Equal(t, int32(1), ts.refreshCalls.Load())
}

func TestOAuthProvider_AdoptRejectsExpired(t *testing.T) {
	p, _, cleanup := setupOAuthTest(t)
	defer cleanup()

	err := p.Adopt(context.Background(), session.Record{
		AccessToken: "a",
		ExpiresAt:   time.Now().Add(-time.Second),
		Principal:   session.Principal{ID: "user-1"},
	})
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestOAuthProvider_VerifiedIDToken(t *testing.T) {
	p, ts, cleanup := setupOAuthTest(t)
	defer cleanup()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := "https://id.reelapps.co.za"
	p.verifier = oidc.NewVerifier(issuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "authsync"})

	ts.idToken, err = jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   issuer,
		"aud":   "authsync",
		"sub":   "user-oidc",
		"email": "ada@reelapps.co.za",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	rec, err := p.Login(context.Background(), Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "user-oidc", rec.Principal.ID)
	assert.Equal(t, "ada@reelapps.co.za", rec.Principal.Email)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ts.idToken, err = jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"aud": "authsync",
		"sub": "forged",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(other)
	require.NoError(t, err)

	_, err = p.Login(context.Background(), Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	assert.Error(t, err)
}

func TestOAuthProvider_Signup(t *testing.T) {
	p, _, cleanup := setupOAuthTest(t)
	defer cleanup()
	ctx := context.Background()
	profile := SignupProfile{FirstName: "Grace", LastName: "Hopper", Role: session.RoleCandidate}

	rec, err := p.Signup(ctx, Credentials{Email: "grace@reelapps.co.za", Password: "pw"}, profile)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "user-2", rec.Principal.ID)

	_, err = p.Signup(ctx, Credentials{Email: "taken@reelapps.co.za", Password: "pw"}, profile)
	assert.ErrorIs(t, err, ErrUserExists)

	rec, err = p.Signup(ctx, Credentials{Email: "confirm@reelapps.co.za", Password: "pw"}, profile)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestOAuthProvider_Logout(t *testing.T) {
	p, ts, cleanup := setupOAuthTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, p.Logout(ctx))
	assert.Equal(t, int32(0), ts.logoutCalls.Load())

	_, err := p.Login(ctx, Credentials{Email: "ada@reelapps.co.za", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, p.Logout(ctx))
	assert.Equal(t, int32(1), ts.logoutCalls.Load())

	current, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}
