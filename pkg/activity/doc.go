// Package activity records session activity and retires expired sessions.
//
// # Overview
//
// Tracker keeps one user_sessions row per principal and access token:
// Touch on login, refresh and adoption; Deactivate on logout. Sweeper runs
// SweepExpired on a cron schedule (hourly by default), marking sessions
// that expired more than a grace period ago (5 minutes by default) as
// inactive.
//
// Access tokens are stored as SHA-256 digests.
package activity
