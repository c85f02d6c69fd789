// Package observability provides structured logging, Prometheus metrics,
// health checks, graceful shutdown and OpenTelemetry setup for authsync.
//
// # Overview
//
// Every component takes a *Logger and an optional *Metrics. A nil *Metrics
// disables recording, which keeps tests free of registry plumbing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("principal_id", id).Info("session adopted")
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.Refresh("success", time.Since(start))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.Register("store", store, true)
//	checker.Register("redis", observability.RedisPinger(client), false)
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.Register("relay", relay.Shutdown)
//	sm.Shutdown(ctx)
package observability
