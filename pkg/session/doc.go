// Package session defines the records exchanged between browsing contexts:
// the session Record with its wire codec, the Principal and the cached
// Profile, plus the failure classes used across authsync.
//
// # Wire Format
//
//	{"access_token":"...","refresh_token":"...","expires_at":1735689600,
//	 "user":{"id":"...","email":"..."},"synced_at":1735686000000}
//
// expires_at is epoch seconds. A record is valid only while expires_at is
// strictly in the future.
package session
