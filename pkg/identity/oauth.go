package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
)

var _ Provider = (*OAuthProvider)(nil)

// OAuthConfig configures the OAuth2/OIDC identity provider.
type OAuthConfig struct {
	// IssuerURL is used for OIDC discovery when TokenURL is empty.
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// APIKey is sent as the apikey header on every provider request.
	APIKey string
	// TokenURL overrides the discovered token endpoint.
	TokenURL  string
	SignupURL string
	LogoutURL string
	Scopes    []string
	Timeout   time.Duration
}

// Validate checks the configuration. Errors wrap ErrNotConfigured.
func (c OAuthConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrNotConfigured)
	}
	if c.IssuerURL == "" && c.TokenURL == "" {
		return fmt.Errorf("%w: issuer_url or token_url is required", ErrNotConfigured)
	}
	return nil
}

// OAuthProvider talks to an OAuth2 token endpoint with the password and
// refresh grants. Principals come from a verified ID token, the user
// object of the token response, or the OIDC userinfo endpoint, in that
// order.
type OAuthProvider struct {
	config   OAuthConfig
	oauth2   *oauth2.Config
	oidc     *oidc.Provider
	verifier *oidc.IDTokenVerifier
	client   *http.Client
	logger   *observability.Logger
	now      func() time.Time

	mu     sync.Mutex
	active *session.Record
}

// OAuthOption configures an OAuthProvider
type OAuthOption func(*OAuthProvider)

// WithHTTPClient sets the base client. The apikey header is added on top.
func WithHTTPClient(c *http.Client) OAuthOption {
	return func(p *OAuthProvider) { p.client = c }
}

// WithVerifier sets the ID token verifier used instead of the discovered one.
func WithVerifier(v *oidc.IDTokenVerifier) OAuthOption {
	return func(p *OAuthProvider) { p.verifier = v }
}

func WithLogger(l *observability.Logger) OAuthOption {
	return func(p *OAuthProvider) { p.logger = l }
}

// NewOAuthProvider creates the provider. Without a TokenURL it runs OIDC
// discovery against IssuerURL.
func NewOAuthProvider(ctx context.Context, config OAuthConfig, opts ...OAuthOption) (*OAuthProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	p := &OAuthProvider{
		config: config,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("component", "identity")

	base := http.DefaultTransport
	if p.client != nil && p.client.Transport != nil {
		base = p.client.Transport
	}
	p.client = &http.Client{
		Timeout:   config.Timeout,
		Transport: &apiKeyTransport{key: config.APIKey, base: base},
	}

	endpoint := oauth2.Endpoint{TokenURL: config.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	if config.TokenURL == "" {
		provider, err := oidc.NewProvider(p.clientContext(ctx), config.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to discover %s: %v",
				session.ErrIdentityProviderUnavailable, config.IssuerURL, err)
		}
		p.oidc = provider
		endpoint = provider.Endpoint()
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		if p.verifier == nil {
			p.verifier = provider.Verifier(&oidc.Config{ClientID: config.ClientID})
		}
	}

	scopes := config.Scopes
	if len(scopes) == 0 && p.oidc != nil {
		scopes = []string{oidc.ScopeOpenID, "email"}
	}
	p.oauth2 = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	return p, nil
}

func (p *OAuthProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.client)
}

func (p *OAuthProvider) Current(ctx context.Context) (*session.Record, error) {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	if active == nil {
		return nil, nil
	}
	if active.Valid(p.now()) {
		rec := *active
		return &rec, nil
	}
	if active.RefreshToken == "" {
		return nil, nil
	}
	return p.Refresh(ctx)
}

func (p *OAuthProvider) Adopt(ctx context.Context, rec session.Record) error {
	if !rec.Valid(p.now()) {
		return fmt.Errorf("cannot adopt expired session: %w", session.ErrNoSession)
	}
	p.setActive(&rec)
	return nil
}

func (p *OAuthProvider) Login(ctx context.Context, creds Credentials) (*session.Record, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	tok, err := p.oauth2.PasswordCredentialsToken(p.clientContext(ctx), creds.Email, creds.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, re.ErrorDescription)
		}
		return nil, fmt.Errorf("login failed: %w", err)
	}

	rec, err := p.recordFromToken(ctx, tok, nil)
	if err != nil {
		return nil, err
	}
	p.setActive(rec)
	return rec, nil
}

type signupRequest struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data,omitempty"`
}

type tokenResponse struct {
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
	ExpiresIn    int64              `json:"expires_in"`
	User         *session.Principal `json:"user"`
}

// Signup registers a new user. It returns a nil record without error when
// the provider accepted the signup but issues no session until the email
// is confirmed.
func (p *OAuthProvider) Signup(ctx context.Context, creds Credentials, profile SignupProfile) (*session.Record, error) {
	if p.config.SignupURL == "" {
		return nil, fmt.Errorf("%w: signup_url is required", ErrNotConfigured)
	}
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	body, err := json.Marshal(signupRequest{
		Email:    creds.Email,
		Password: creds.Password,
		Data: map[string]string{
			"first_name": profile.FirstName,
			"last_name":  profile.LastName,
			"role":       string(profile.Role),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.SignupURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create signup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signup request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrUserExists
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("signup failed with status %d: %s", resp.StatusCode, string(msg))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode signup response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, nil
	}
	if tr.User == nil || tr.User.ID == "" || tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("signup response missing user or expiry")
	}

	rec := &session.Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    p.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Principal:    *tr.User,
	}
	p.setActive(rec)
	return rec, nil
}

func (p *OAuthProvider) Refresh(ctx context.Context) (*session.Record, error) {
	p.mu.Lock()
	cur := p.active
	p.mu.Unlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, session.ErrNoSession
	}

	src := p.oauth2.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrRefreshFailure, err)
	}

	rec, err := p.recordFromToken(ctx, tok, &cur.Principal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrRefreshFailure, err)
	}
	p.setActive(rec)
	return rec, nil
}

// Logout revokes the active session at the provider when a logout URL is
// configured. The local credential is forgotten even when revocation fails.
func (p *OAuthProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	cur := p.active
	p.active = nil
	p.mu.Unlock()

	if cur == nil || p.config.LogoutURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.LogoutURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cur.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("logout failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *OAuthProvider) setActive(rec *session.Record) {
	cp := *rec
	p.mu.Lock()
	p.active = &cp
	p.mu.Unlock()
}

// recordFromToken builds a record from a token response. fallback is used
// when the response identifies no principal, as refresh responses often
// do.
func (p *OAuthProvider) recordFromToken(ctx context.Context, tok *oauth2.Token, fallback *session.Principal) (*session.Record, error) {
	if tok.Expiry.IsZero() {
		return nil, fmt.Errorf("token response without expiry")
	}
	rec := &session.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	principal, err := p.principalFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	switch {
	case principal != nil:
		rec.Principal = *principal
	case fallback != nil:
		rec.Principal = *fallback
	default:
		return nil, fmt.Errorf("token response does not identify a user")
	}
	return rec, nil
}

func (p *OAuthProvider) principalFromToken(ctx context.Context, tok *oauth2.Token) (*session.Principal, error) {
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" && p.verifier != nil {
		idToken, err := p.verifier.Verify(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", err)
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse claims: %w", err)
		}
		return &session.Principal{ID: idToken.Subject, Email: claims.Email}, nil
	}

	if user, ok := tok.Extra("user").(map[string]interface{}); ok {
		id, _ := user["id"].(string)
		email, _ := user["email"].(string)
		if id != "" {
			return &session.Principal{ID: id, Email: email}, nil
		}
	}

	if p.oidc != nil {
		info, err := p.oidc.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(tok))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user info: %w", err)
		}
		return &session.Principal{ID: info.Subject, Email: info.Email}, nil
	}
	return nil, nil
}

// apiKeyTransport adds the provider API key to every request.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("apikey", t.key)
	return t.base.RoundTrip(r)
}
