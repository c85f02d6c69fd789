package sso

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/reelapps/authsync/pkg/audit"
	"github.com/reelapps/authsync/pkg/httputil"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/profile"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sessionstore"
)

// AccessTokenCookie is the holder cookie carrying the visitor's access token.
const AccessTokenCookie = "reelapps-access-token"

// SessionResolver finds the holder session behind a request. It returns
// (nil, nil) when the visitor is not signed in.
type SessionResolver interface {
	Resolve(r *http.Request) (*session.Record, error)
}

// StoreResolver resolves the session from the shared store. The request
// must present the stored access token as a bearer token or cookie.
type StoreResolver struct {
	Store *sessionstore.Store
}

func (s StoreResolver) Resolve(r *http.Request) (*session.Record, error) {
	presented := PresentedAccessToken(r)
	if presented == "" {
		return nil, nil
	}
	rec, ok := s.Store.Get(r.Context())
	if !ok {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(rec.AccessToken)) != 1 {
		return nil, nil
	}
	return rec, nil
}

// PresentedAccessToken returns the access token r carries as a bearer
// token or in AccessTokenCookie, or "".
func PresentedAccessToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Handler is the holder side of SSO.
type Handler struct {
	cfg      Config
	resolver SessionResolver
	profiles profile.Fetcher
	policy   *Policy
	tokens   *TokenService
	audit    *audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// HandlerOptions wires a Handler. Profiles and Policy may be nil: the role
// then defaults to candidate and the built-in entitlements apply. A nil
// Audit records nothing.
type HandlerOptions struct {
	Config   Config
	Resolver SessionResolver
	Profiles profile.Fetcher
	Policy   *Policy
	Tokens   *TokenService
	Audit    *audit.Recorder
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewHandler creates the holder handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Handler{
		cfg:      opts.Config.WithDefaults(),
		resolver: opts.Resolver,
		profiles: opts.Profiles,
		policy:   opts.Policy,
		tokens:   opts.Tokens,
		audit:    opts.Audit,
		logger:   opts.Logger.WithField("component", "sso_handler"),
		metrics:  opts.Metrics,
	}
}

// RegisterRoutes registers the SSO routes.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(Path, h.authorize).Methods(http.MethodGet)
	router.HandleFunc(ExchangePath, h.exchange).Methods(http.MethodPost)
}

// authorize handles GET /auth/sso?return_url=
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.WithContext(ctx)
	returnURL := r.URL.Query().Get(ReturnURLParam)

	target, app, err := h.cfg.ValidateReturnURL(returnURL)
	if err != nil {
		logger.WithError(err).Info("SSO request rejected")
		h.reject(w, http.StatusBadRequest, "invalid_return_url", "Invalid return URL: it must be a ReelApps application.")
		return
	}

	rec, err := h.resolver.Resolve(r)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve holder session")
		h.reject(w, http.StatusServiceUnavailable, "resolve_failed", "We could not check your session. Please try again.")
		return
	}
	if rec == nil {
		http.Redirect(w, r, h.cfg.LoginURL(h.cfg.SSOURL(returnURL)), http.StatusFound)
		return
	}

	role := h.role(ctx, rec.Principal)
	if !h.policy.Allowed(role, app) {
		logger.WithFields(map[string]interface{}{
			"principal_id": rec.Principal.ID,
			"role":         role,
			"app":          app,
		}).Info("SSO access denied")
		event := audit.NewEvent(ctx, r, audit.EventTypeSSODenied, audit.EventStatusDenied)
		event.PrincipalID = rec.Principal.ID
		event.Email = rec.Principal.Email
		event.App = app
		event.Metadata["role"] = string(role)
		h.audit.Record(ctx, event)
		h.reject(w, http.StatusForbidden, "access_denied",
			"You don't have access to "+app+". Contact your administrator if you need access.")
		return
	}

	token, err := h.tokens.Mint(ctx, *rec, strings.ToLower(target.Hostname()))
	if err != nil {
		logger.WithError(err).Error("Failed to mint SSO token")
		h.reject(w, http.StatusServiceUnavailable, "mint_failed", "We could not complete sign-in. Please try again.")
		return
	}

	q := target.Query()
	q.Set(TokenParam, token)
	target.RawQuery = q.Encode()

	h.metrics.SSOGrant(app)
	event := audit.NewEvent(ctx, r, audit.EventTypeSSOGrant, audit.EventStatusSuccess)
	event.PrincipalID = rec.Principal.ID
	event.Email = rec.Principal.Email
	event.App = app
	h.audit.Record(ctx, event)
	logger.WithFields(map[string]interface{}{
		"principal_id": rec.Principal.ID,
		"app":          app,
	}).Info("SSO granted")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// role returns the principal's role, candidate when unknown.
func (h *Handler) role(ctx context.Context, p session.Principal) session.Role {
	if h.profiles == nil {
		return session.RoleCandidate
	}
	prof, err := h.profiles.Ensure(ctx, p, profile.Seed{})
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Profile unavailable, assuming candidate")
		return session.RoleCandidate
	}
	if !prof.Role.Valid() {
		return session.RoleCandidate
	}
	return prof.Role
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, message string) {
	h.metrics.SSOReject(reason)
	renderError(w, status, message, h.cfg.HomeURL())
}

// exchange handles POST /auth/sso/exchange
func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Token == "" || req.Host == "" {
		httputil.WriteBadRequest(w, "token and host are required")
		return
	}

	rec, err := h.tokens.Exchange(r.Context(), req.Token, strings.ToLower(req.Host))
	if err != nil {
		h.metrics.SSOExchange("failure")
		event := audit.NewEvent(r.Context(), r, audit.EventTypeSSOExchange, audit.EventStatusFailure).WithError(err)
		event.App = req.Host
		h.audit.Record(r.Context(), event)
		logger := h.logger.WithContext(r.Context()).WithError(err).WithField("host", req.Host)
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenUsed) {
			logger.Info("SSO exchange rejected")
			httputil.WriteUnauthorized(w, err.Error())
			return
		}
		logger.Error("SSO exchange failed")
		httputil.WriteServiceUnavailable(w, "exchange unavailable")
		return
	}

	h.metrics.SSOExchange("success")
	event := audit.NewEvent(r.Context(), r, audit.EventTypeSSOExchange, audit.EventStatusSuccess)
	event.PrincipalID = rec.Principal.ID
	event.App = req.Host
	h.audit.Record(r.Context(), event)
	if err := httputil.WriteSuccess(w, rec); err != nil {
		h.logger.WithError(err).Warn("Failed to write exchange response")
	}
}
