// Package middleware provides HTTP middleware for session gating and rate limiting.
//
// # Overview
//
// RequireSession admits a request only once this context's auth state
// machine has settled on an authenticated session and the caller presents
// that session's access token (bearer header or the
// sso.AccessTokenCookie). Visitors without it are sent to the SSO holder;
// visitors returning with a token have it redeemed, receive the cookie and
// are redirected to the same URL without the token.
//
//	gate := middleware.RequireSession(machine, redirector, logger)
//	router.Use(gate)
//
// # Rate Limiting
//
// Limits are per client IP over a sliding window. MemoryRateLimiter serves
// a single instance; DistributedRateLimiter keeps the window in a Redis
// sorted set so every instance shares it.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.SSORateLimitConfig(), "sso")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// A limiter error lets the request through unless SetFallbackEnabled(false).
//
// Default for the SSO endpoints: 30 req/min per IP.
//
// # Related Packages
//
//   - pkg/authstate: the session gate
//   - pkg/sso: redirect and token exchange
package middleware
