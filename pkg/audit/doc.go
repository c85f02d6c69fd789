// Package audit records authentication and SSO events for security review.
//
// # Overview
//
// Every sign-in, sign-up, sign-out and SSO decision produces an Event. Events
// are written to one or more sinks: a JSON-lines file with size-based
// rotation, a PostgreSQL table, or both through a MultiLogger.
//
// # Event Types
//
// Authentication: auth.login, auth.login_failed, auth.signup, auth.logout
// SSO: sso.grant, sso.denied, sso.exchange
//
// # Usage Example
//
//	sink, err := audit.NewFileLogger(audit.DefaultFileLoggerConfig())
//	if err != nil {
//		return err
//	}
//	recorder := audit.NewRecorder(sink, logger)
//
//	event := audit.NewEvent(r.Context(), r, audit.EventTypeLogin, audit.EventStatusSuccess)
//	event.PrincipalID = principal.ID
//	recorder.Record(r.Context(), event)
//
// A Recorder never fails the caller: a sink error is written to the service
// log and the request proceeds.
//
// # Storage
//
// File: one JSON object per line in audit.log; rotated files are named
// audit-<timestamp>.log and pruned to MaxFiles.
//
// Database: the auth_audit_log table, created by DBLogger.EnsureSchema.
package audit
