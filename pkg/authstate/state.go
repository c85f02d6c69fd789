package authstate

import "github.com/reelapps/authsync/pkg/session"

// Phase is the coarse authentication phase of a context.
type Phase string

const (
	PhaseInitializing    Phase = "initializing"
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseError           Phase = "error"
)

// State is a snapshot of one context's auth state. Authenticated implies a
// principal; a missing profile never changes the phase.
type State struct {
	Phase     Phase
	Principal *session.Principal
	Profile   *session.Profile
	// Err is the reason for PhaseError.
	Err error
}

// Authenticated reports whether the snapshot carries a session.
func (s State) Authenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Principal != nil
}

// clone copies the pointed-to values so callers cannot mutate machine state.
func (s State) clone() State {
	out := State{Phase: s.Phase, Err: s.Err}
	if s.Principal != nil {
		p := *s.Principal
		out.Principal = &p
	}
	if s.Profile != nil {
		p := *s.Profile
		out.Profile = &p
	}
	return out
}
