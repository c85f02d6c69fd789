package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/reelapps/authsync/pkg/audit"
	"github.com/reelapps/authsync/pkg/authstate"
	"github.com/reelapps/authsync/pkg/httputil"
	"github.com/reelapps/authsync/pkg/identity"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sso"
)

// Session endpoints
const (
	LoginPath   = "/auth/login"
	SignupPath  = "/auth/signup"
	LogoutPath  = "/auth/logout"
	SessionPath = "/session"
	RefreshPath = "/session/refresh"
)

// sessionMachine is the part of the auth state machine the endpoints drive.
type sessionMachine interface {
	State() authstate.State
	Session() (session.Record, bool)
	Login(ctx context.Context, creds identity.Credentials) error
	Signup(ctx context.Context, creds identity.Credentials, p identity.SignupProfile) error
	Logout(ctx context.Context) error
	RefreshSession(ctx context.Context) error
}

type sessionHandler struct {
	machine sessionMachine
	audit   *audit.Recorder
	logger  *observability.Logger
}

func newSessionHandler(machine sessionMachine, recorder *audit.Recorder, logger *observability.Logger) *sessionHandler {
	return &sessionHandler{
		machine: machine,
		audit:   recorder,
		logger:  logger.WithField("component", "session_api"),
	}
}

// registerAuthRoutes mounts login, signup and logout. Only logout passes
// through gate.
func (h *sessionHandler) registerAuthRoutes(router *mux.Router, gate func(http.Handler) http.Handler) {
	router.HandleFunc(LoginPath, h.login).Methods(http.MethodPost)
	router.HandleFunc(SignupPath, h.signup).Methods(http.MethodPost)
	router.Handle(LogoutPath, gate(http.HandlerFunc(h.logout))).Methods(http.MethodPost)
}

func (h *sessionHandler) registerSessionRoutes(router *mux.Router, gate func(http.Handler) http.Handler) {
	router.Handle(SessionPath, gate(http.HandlerFunc(h.current))).Methods(http.MethodGet)
	router.Handle(RefreshPath, gate(http.HandlerFunc(h.refresh))).Methods(http.MethodPost)
}

type credentialsRequest struct {
	Email     string       `json:"email"`
	Password  string       `json:"password"`
	FirstName string       `json:"first_name,omitempty"`
	LastName  string       `json:"last_name,omitempty"`
	Role      session.Role `json:"role,omitempty"`
}

type stateResponse struct {
	Phase     authstate.Phase    `json:"phase"`
	Principal *session.Principal `json:"principal,omitempty"`
	Profile   *session.Profile   `json:"profile,omitempty"`
	// AccessToken and ExpiresAt are only set by login and signup.
	AccessToken string     `json:"access_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func newStateResponse(s authstate.State) stateResponse {
	return stateResponse{Phase: s.Phase, Principal: s.Principal, Profile: s.Profile}
}

// issueCredential hands the caller the access token that the session
// endpoints and logout require, as a cookie and in the response body.
func (h *sessionHandler) issueCredential(w http.ResponseWriter, resp *stateResponse) {
	rec, ok := h.machine.Session()
	if !ok {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sso.AccessTokenCookie,
		Value:    rec.AccessToken,
		Path:     "/",
		Expires:  rec.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	expiresAt := rec.ExpiresAt
	resp.AccessToken = rec.AccessToken
	resp.ExpiresAt = &expiresAt
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return nil, false
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return nil, false
	}
	return &req, true
}

// login handles POST /auth/login
func (h *sessionHandler) login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	err := h.machine.Login(r.Context(), identity.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Info("Login rejected")
		event := audit.NewEvent(r.Context(), r, audit.EventTypeLoginFailed, audit.EventStatusFailure).WithError(err)
		event.Email = req.Email
		h.audit.Record(r.Context(), event)
		h.writeError(w, err)
		return
	}
	state := h.machine.State()
	h.recordState(r, audit.EventTypeLogin, state)
	resp := newStateResponse(state)
	h.issueCredential(w, &resp)
	_ = httputil.WriteSuccess(w, resp)
}

// signup handles POST /auth/signup. A 202 means the account awaits
// confirmation and no session was issued.
func (h *sessionHandler) signup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	role := req.Role
	if role == "" {
		role = session.RoleCandidate
	}
	if !role.Valid() {
		httputil.WriteBadRequest(w, "invalid role")
		return
	}

	err := h.machine.Signup(r.Context(),
		identity.Credentials{Email: req.Email, Password: req.Password},
		identity.SignupProfile{FirstName: req.FirstName, LastName: req.LastName, Role: role},
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	state := h.machine.State()
	event := audit.NewEvent(r.Context(), r, audit.EventTypeSignup, audit.EventStatusSuccess)
	event.Email = req.Email
	event.Metadata["role"] = string(role)
	if !state.Authenticated() {
		event.Message = "confirmation pending"
		h.audit.Record(r.Context(), event)
		_ = httputil.WriteJSON(w, http.StatusAccepted, newStateResponse(state))
		return
	}
	event.PrincipalID = state.Principal.ID
	h.audit.Record(r.Context(), event)
	resp := newStateResponse(state)
	h.issueCredential(w, &resp)
	_ = httputil.WriteJSON(w, http.StatusCreated, resp)
}

// logout handles POST /auth/logout for the holder of the session. The
// local session is always cleared; a provider failure is only logged.
func (h *sessionHandler) logout(w http.ResponseWriter, r *http.Request) {
	before := h.machine.State()
	err := h.machine.Logout(r.Context())
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("Provider logout failed")
	}
	event := audit.NewEvent(r.Context(), r, audit.EventTypeLogout, audit.EventStatusSuccess).WithError(err)
	if before.Principal != nil {
		event.PrincipalID = before.Principal.ID
		event.Email = before.Principal.Email
	}
	h.audit.Record(r.Context(), event)
	http.SetCookie(w, &http.Cookie{
		Name:     sso.AccessTokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// current handles GET /session
func (h *sessionHandler) current(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, newStateResponse(h.machine.State()))
}

// refresh handles POST /session/refresh
func (h *sessionHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.RefreshSession(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, newStateResponse(h.machine.State()))
}

func (h *sessionHandler) recordState(r *http.Request, eventType audit.EventType, state authstate.State) {
	event := audit.NewEvent(r.Context(), r, eventType, audit.EventStatusSuccess)
	if state.Principal != nil {
		event.PrincipalID = state.Principal.ID
		event.Email = state.Principal.Email
	}
	h.audit.Record(r.Context(), event)
}

func (h *sessionHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, "invalid credentials")
	case errors.Is(err, identity.ErrUserExists):
		httputil.WriteErrorMessage(w, http.StatusConflict, "account already exists")
	default:
		httputil.WriteError(w, err)
	}
}
