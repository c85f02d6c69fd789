package sso

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultDomain is the identity domain every sub-application lives under.
	DefaultDomain = "reelapps.co.za"
	// Path is the SSO path on the session holder.
	Path = "/auth/sso"
	// ExchangePath is where sub-applications trade a token for a session.
	ExchangePath = "/auth/sso/exchange"
	// ReturnURLParam carries the sub-application URL to come back to.
	ReturnURLParam = "return_url"
	// TokenParam carries the minted token back to the sub-application.
	TokenParam = "sso_token"
	// RedirectParam tells the login page where to go after login.
	RedirectParam = "redirect"

	DefaultTokenTTL     = 60 * time.Second
	DefaultMarkerWindow = 30 * time.Second
	DefaultMarkerCookie = "reelapps-sso-redirect"
	DefaultLoginPath    = "/auth/login"
)

var (
	// ErrInvalidReturnURL is returned for a return_url outside the identity domain.
	ErrInvalidReturnURL = errors.New("invalid return url")
	// ErrAccessDenied is returned when the role is not entitled to the app.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid sso token")
	// ErrTokenUsed is returned when a token is presented a second time.
	ErrTokenUsed = errors.New("sso token already used")
	// ErrRedirectLoop is returned when a redirect guard trips.
	ErrRedirectLoop = errors.New("sso redirect loop detected")
)

// Config describes the SSO domain. Zero fields take defaults in
// WithDefaults.
type Config struct {
	Domain string `mapstructure:"domain" yaml:"domain"`
	// HolderHost is the host that owns the session, www.<domain> by default.
	HolderHost string `mapstructure:"holder_host" yaml:"holder_host"`
	LoginPath  string `mapstructure:"login_path" yaml:"login_path"`
	// SigningKey signs tokens. The holder needs it; sub-applications that
	// exchange remotely do not.
	SigningKey []byte        `mapstructure:"-" yaml:"-"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	// AllowedHosts, when set, further restricts return_url hosts.
	AllowedHosts []string      `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
	MarkerCookie string        `mapstructure:"marker_cookie" yaml:"marker_cookie"`
	MarkerWindow time.Duration `mapstructure:"marker_window" yaml:"marker_window"`
}

// WithDefaults returns c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	c.Domain = strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if c.HolderHost == "" {
		c.HolderHost = "www." + c.Domain
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.MarkerCookie == "" {
		c.MarkerCookie = DefaultMarkerCookie
	}
	if c.MarkerWindow <= 0 {
		c.MarkerWindow = DefaultMarkerWindow
	}
	return c
}

// Validate checks the holder-side settings.
func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("sso domain is required")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("sso signing key must be at least 32 bytes")
	}
	return nil
}

// SSOURL returns the holder URL a sub-application redirects to.
func (c Config) SSOURL(returnURL string) string {
	u := url.URL{Scheme: "https", Host: c.HolderHost, Path: Path}
	if returnURL != "" {
		u.RawQuery = url.Values{ReturnURLParam: {returnURL}}.Encode()
	}
	return u.String()
}

// HomeURL is the holder landing page linked from error pages.
func (c Config) HomeURL() string {
	return (&url.URL{Scheme: "https", Host: c.HolderHost, Path: "/"}).String()
}

// LoginURL is the holder login page that returns to next after login.
func (c Config) LoginURL(next string) string {
	u := url.URL{Scheme: "https", Host: c.HolderHost, Path: c.LoginPath}
	u.RawQuery = url.Values{RedirectParam: {next}}.Encode()
	return u.String()
}

// ValidateReturnURL parses raw and returns it with the application it
// names. The URL must be absolute https on a sub-domain of the identity
// domain other than the holder or the bare domain, and on the allow-list
// when one is configured.
func (c Config) ValidateReturnURL(raw string) (*url.URL, string, error) {
	if raw == "" {
		return nil, "", fmt.Errorf("%w: missing %s", ErrInvalidReturnURL, ReturnURLParam)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidReturnURL, err)
	}
	if !u.IsAbs() || u.Scheme != "https" {
		return nil, "", fmt.Errorf("%w: must be an absolute https url", ErrInvalidReturnURL)
	}
	if u.User != nil {
		return nil, "", fmt.Errorf("%w: credentials not allowed", ErrInvalidReturnURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == c.Domain || host == strings.ToLower(c.HolderHost) || !strings.HasSuffix(host, "."+c.Domain) {
		return nil, "", fmt.Errorf("%w: host %q is not a sub-application", ErrInvalidReturnURL, host)
	}
	if len(c.AllowedHosts) > 0 && !containsFold(c.AllowedHosts, host) {
		return nil, "", fmt.Errorf("%w: host %q is not allowed", ErrInvalidReturnURL, host)
	}

	app := strings.TrimSuffix(host, "."+c.Domain)
	if i := strings.LastIndex(app, "."); i >= 0 {
		app = app[i+1:]
	}
	return u, app, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
