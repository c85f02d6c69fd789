package middleware

import (
	"net/http"

	"github.com/reelapps/authsync/pkg/authstate"
	"github.com/reelapps/authsync/pkg/contextkeys"
	"github.com/reelapps/authsync/pkg/httputil"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/sso"
)

// SessionGate exposes the auth state of this context.
type SessionGate interface {
	Ready() <-chan struct{}
	State() authstate.State
	HoldsAccessToken(token string) bool
}

// SSORedirector is the visiting side of the SSO hop.
type SSORedirector interface {
	HasToken(r *http.Request) bool
	BeginRedirect(w http.ResponseWriter, r *http.Request) error
	CompleteRedirect(w http.ResponseWriter, r *http.Request) error
}

// RequireSession admits requests that present the access token of the
// gate's session as a bearer token or sso.AccessTokenCookie. Other
// visitors are sent through SSO, or refused with 401 when redirector is
// nil; a returning token is redeemed and the visitor redirected to the
// clean URL.
func RequireSession(gate SessionGate, redirector SSORedirector, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.WithField("component", "session_gate")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			select {
			case <-gate.Ready():
			case <-ctx.Done():
				httputil.WriteServiceUnavailable(w, "session not ready")
				return
			}

			if redirector != nil && redirector.HasToken(r) {
				if err := redirector.CompleteRedirect(w, r); err != nil {
					logger.WithContext(ctx).WithError(err).Warn("SSO token rejected")
					httputil.WriteUnauthorized(w, "sso sign-in failed")
					return
				}
				http.Redirect(w, r, sso.CleanURL(r), http.StatusFound)
				return
			}

			state := gate.State()
			switch {
			case state.Authenticated() && gate.HoldsAccessToken(sso.PresentedAccessToken(r)):
				next.ServeHTTP(w, r.WithContext(contextkeys.WithPrincipal(ctx, *state.Principal)))
			case state.Phase == authstate.PhaseError:
				logger.WithContext(ctx).WithError(state.Err).Error("Session unavailable")
				httputil.WriteServiceUnavailable(w, "session unavailable")
			case redirector == nil:
				httputil.WriteUnauthorized(w, "authentication required")
			default:
				if err := redirector.BeginRedirect(w, r); err != nil {
					logger.WithContext(ctx).WithError(err).Debug("SSO redirect not started")
				}
			}
		})
	}
}
