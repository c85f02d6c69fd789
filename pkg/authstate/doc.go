// Package authstate holds the authentication state of one browsing
// context.
//
// # Overview
//
// A Machine moves between four phases:
//
//	Initializing -> Unauthenticated | Authenticated | Error
//	Unauthenticated <-> Authenticated
//
// Initialize restores the session from the shared store, falling back to
// the identity provider's own session, and then joins the broadcast
// channel. Login, Signup, AdoptSSO and a successful refresh establish a
// session in a fixed order: in-memory state, shared store, broadcast.
// Logout clears all three.
//
// Messages from other contexts are applied without echoing: a session
// update is adopted (unless already expired) without writing the store,
// and a logout clears local state and the store.
//
// # Consistency
//
// Store writes are last-writer-wins. Two contexts refreshing at once both
// write, and the later write is what a newly opened context restores. Both
// records are valid, so the race costs nothing but a redundant refresh.
//
// # Usage
//
//	m := authstate.New(authstate.Options{
//		Store:     sessionstore.New(kv),
//		Broadcast: broadcast.New(ch),
//		Provider:  provider,
//		Profiles:  profiles,
//	})
//	defer m.Close()
//
//	if err := m.Initialize(ctx); err != nil {
//		return err
//	}
//	<-m.Ready()
//	if m.State().Authenticated() {
//		...
//	}
package authstate
