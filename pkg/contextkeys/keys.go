// Package contextkeys provides centralized context key definitions
//
// All request-scoped context keys live here so that producers and
// consumers agree on the key and the stored type.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	p, ok := contextkeys.GetPrincipal(ctx)
package contextkeys

import (
	"context"

	"github.com/reelapps/authsync/pkg/session"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains session.Principal
	// Set by: middleware.RequireSession (pkg/middleware/session.go)
	// Used by: handlers behind the session gate
	PrincipalKey Key = "principal"

	// PrincipalIDKey contains the principal id string
	// Set by: middleware.RequireSession
	// Used by: Logger
	PrincipalIDKey Key = "principal_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, tracing
	RequestIDKey Key = "request_id"
)

// WithPrincipal adds the authenticated principal and its id to the context
func WithPrincipal(ctx context.Context, p session.Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	return WithPrincipalID(ctx, p.ID)
}

// GetPrincipal retrieves the authenticated principal from context
func GetPrincipal(ctx context.Context) (session.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(session.Principal)
	return p, ok
}

// WithPrincipalID adds the principal id to the context
func WithPrincipalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, id)
}

// GetPrincipalID retrieves the principal id from context
func GetPrincipalID(ctx context.Context) string {
	if id, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
