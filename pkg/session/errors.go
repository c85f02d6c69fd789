package session

import "errors"

// Failure classes shared by the sync components. Only
// ErrIdentityProviderUnavailable and explicit login errors ever reach
// callers; the rest are downgraded to state transitions and logs.
var (
	// ErrRestoreCorruption marks a stored record that is unparsable or expired.
	ErrRestoreCorruption = errors.New("stored session is corrupt or expired")
	// ErrRefreshFailure marks a failed background refresh.
	ErrRefreshFailure = errors.New("session refresh failed")
	// ErrBroadcastUnavailable marks a missing or broken broadcast transport.
	ErrBroadcastUnavailable = errors.New("broadcast channel unavailable")
	// ErrSSOValidation marks a rejected SSO request.
	ErrSSOValidation = errors.New("sso validation failed")
	// ErrIdentityProviderUnavailable marks missing identity configuration.
	ErrIdentityProviderUnavailable = errors.New("identity provider unavailable")
	// ErrNoSession is returned when an operation needs a session and there is none.
	ErrNoSession = errors.New("no active session")
)
