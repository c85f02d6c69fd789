// Package identity adapts the external identity provider.
//
// # Overview
//
// Provider is the surface the auth state machine consumes: the provider's
// own active session, adoption of a session obtained elsewhere, password
// login and signup, refresh and sign-out. Token cryptography stays with
// the provider.
//
// # Implementations
//
// OAuthProvider speaks OAuth2 (password and refresh grants) to a token
// endpoint, discovered through OIDC when only an issuer is configured. ID
// tokens are verified with go-oidc; an apikey header is attached to every
// request for providers that require one.
//
// MemoryProvider is an in-process user directory. Each context takes its
// own MemorySession handle so contexts hold separate active credentials
// while sharing users and token revocation.
//
// # Configuration errors
//
// Missing configuration yields errors wrapping ErrNotConfigured, which in
// turn wraps session.ErrIdentityProviderUnavailable.
package identity
