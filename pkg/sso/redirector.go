package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
)

// SessionAdopter installs a session obtained through SSO. The auth state
// machine implements it.
type SessionAdopter interface {
	AdoptSSO(ctx context.Context, rec session.Record) error
}

// Redirector is the sub-application side of SSO: it sends unauthenticated
// visitors to the holder and completes the round trip when they return
// with a token.
type Redirector struct {
	cfg       Config
	exchanger Exchanger
	adopter   SessionAdopter
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// RedirectorOption configures a Redirector.
type RedirectorOption func(*Redirector)

func WithRedirectorLogger(l *observability.Logger) RedirectorOption {
	return func(r *Redirector) { r.logger = l }
}

func WithRedirectorMetrics(m *observability.Metrics) RedirectorOption {
	return func(r *Redirector) { r.metrics = m }
}

func WithRedirectorClock(now func() time.Time) RedirectorOption {
	return func(r *Redirector) { r.now = now }
}

// NewRedirector creates a Redirector.
func NewRedirector(cfg Config, exchanger Exchanger, adopter SessionAdopter, opts ...RedirectorOption) *Redirector {
	r := &Redirector{
		cfg:       cfg.WithDefaults(),
		exchanger: exchanger,
		adopter:   adopter,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "sso_redirector")
	return r
}

// HasToken reports whether r returns from the holder with a token.
func (rd *Redirector) HasToken(r *http.Request) bool {
	return r.URL.Query().Get(TokenParam) != ""
}

// BeginRedirect sends the visitor to the holder, or renders the error page
// when a loop guard trips. It returns ErrRedirectLoop in that case.
func (rd *Redirector) BeginRedirect(w http.ResponseWriter, r *http.Request) error {
	if reason := rd.loopReason(r); reason != "" {
		rd.logger.WithContext(r.Context()).WithField("reason", reason).Warn("SSO redirect suppressed")
		rd.metrics.SSOReject("loop_" + reason)
		renderError(w, http.StatusBadRequest,
			"We could not sign you in automatically. Please sign in from the ReelApps home page.",
			rd.cfg.HomeURL())
		return fmt.Errorf("%w: %s", ErrRedirectLoop, reason)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     rd.cfg.MarkerCookie,
		Value:    strconv.FormatInt(rd.now().UnixMilli(), 10),
		Path:     "/",
		MaxAge:   int(rd.cfg.MarkerWindow / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	target := rd.cfg.SSOURL(currentURL(r))
	rd.logger.WithContext(r.Context()).WithField("target", target).Debug("Redirecting to SSO holder")
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// loopReason names the tripped guard, or returns "".
func (rd *Redirector) loopReason(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, Path) {
		return "sso_path"
	}
	if ret := r.URL.Query().Get(ReturnURLParam); ret != "" {
		if strings.Contains(ret, ReturnURLParam+"=") {
			return "nested_return_url"
		}
		if decoded, err := url.QueryUnescape(ret); err != nil || strings.Contains(decoded, ReturnURLParam+"=") {
			return "nested_return_url"
		}
	}
	if c, err := r.Cookie(rd.cfg.MarkerCookie); err == nil {
		if ms, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
			if rd.now().Sub(time.UnixMilli(ms)) < rd.cfg.MarkerWindow {
				return "recent_redirect"
			}
		}
	}
	return ""
}

// CompleteRedirect redeems the token on r and hands the session to the
// adopter. The marker cookie is cleared either way; on success the visitor
// gets the session's access token in AccessTokenCookie.
func (rd *Redirector) CompleteRedirect(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     rd.cfg.MarkerCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	token := r.URL.Query().Get(TokenParam)
	if token == "" {
		return fmt.Errorf("%w: missing %s", session.ErrSSOValidation, TokenParam)
	}

	ctx := r.Context()
	rec, err := rd.exchanger.Exchange(ctx, token, requestHost(r))
	if err != nil {
		rd.metrics.SSOExchange("failure")
		return fmt.Errorf("%w: %w", session.ErrSSOValidation, err)
	}
	if err := rd.adopter.AdoptSSO(ctx, *rec); err != nil {
		rd.metrics.SSOExchange("failure")
		if errors.Is(err, session.ErrSSOValidation) {
			return err
		}
		return fmt.Errorf("%w: %w", session.ErrSSOValidation, err)
	}
	rd.metrics.SSOExchange("success")
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    rec.AccessToken,
		Path:     "/",
		Expires:  rec.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	rd.logger.WithContext(ctx).WithField("principal_id", rec.Principal.ID).Info("SSO session adopted")
	return nil
}

// CleanURL is r's URL without the token parameter, for the post-login
// redirect.
func CleanURL(r *http.Request) string {
	u := *r.URL
	q := u.Query()
	q.Del(TokenParam)
	u.RawQuery = q.Encode()
	u.Scheme = ""
	u.Host = ""
	return u.String()
}

func currentURL(r *http.Request) string {
	u := *r.URL
	u.Scheme = "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		u.Scheme = "http"
	}
	u.Host = r.Host
	q := u.Query()
	q.Del(TokenParam)
	u.RawQuery = q.Encode()
	return u.String()
}

func requestHost(r *http.Request) string {
	host := r.Host
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}
