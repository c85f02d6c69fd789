package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/reelapps/authsync/pkg/session"
)

var (
	// ErrNotConfigured is returned when the provider lacks its endpoint or
	// client configuration.
	ErrNotConfigured = fmt.Errorf("%w: provider not configured", session.ErrIdentityProviderUnavailable)
	// ErrInvalidCredentials is returned by Login for a rejected email or password.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrUserExists is returned by Signup for a taken email.
	ErrUserExists = errors.New("user already registered")
)

// Credentials are the email and password of a login or signup.
type Credentials struct {
	Email    string
	Password string
}

// SignupProfile carries the profile fields submitted with a signup.
type SignupProfile struct {
	FirstName string
	LastName  string
	Role      session.Role
}

// Provider is the external identity provider. It holds the active
// credential of one context.
type Provider interface {
	// Current returns the provider's own active session, or nil when there
	// is none.
	Current(ctx context.Context) (*session.Record, error)
	// Adopt installs rec as the active credential.
	Adopt(ctx context.Context, rec session.Record) error
	Login(ctx context.Context, creds Credentials) (*session.Record, error)
	Signup(ctx context.Context, creds Credentials, profile SignupProfile) (*session.Record, error)
	// Refresh exchanges the active refresh token for a new record.
	Refresh(ctx context.Context) (*session.Record, error)
	// Logout revokes the active credential and forgets it.
	Logout(ctx context.Context) error
}

func validateCredentials(creds Credentials) error {
	if creds.Email == "" {
		return fmt.Errorf("email is required")
	}
	if creds.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}
