// Package refresh renews the active session before its access token
// expires.
//
// # Overview
//
// A Scheduler owns one cron entry firing every Interval (50 minutes by
// default). Start is idempotent, ticks never overlap, and each tick is
// bounded by Timeout. A failed refresh is logged and counted; the session
// it tried to renew stays in place and the next tick tries again.
//
// The scheduler is owned by the auth state machine of one context and is
// stopped on logout and on teardown, which also cancels a tick in flight.
package refresh
