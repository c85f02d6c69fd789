// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, record)
//
// Error responses:
//
//	httputil.WriteBadRequest(w, "token and host are required")
//	httputil.WriteUnauthorized(w, "invalid sso token")
//	httputil.WriteError(w, err) // status from the session error taxonomy
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: session gate and rate limiting
package httputil
