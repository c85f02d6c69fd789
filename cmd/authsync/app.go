package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/reelapps/authsync/pkg/activity"
	"github.com/reelapps/authsync/pkg/audit"
	"github.com/reelapps/authsync/pkg/authstate"
	"github.com/reelapps/authsync/pkg/broadcast"
	"github.com/reelapps/authsync/pkg/config"
	"github.com/reelapps/authsync/pkg/httputil"
	"github.com/reelapps/authsync/pkg/identity"
	"github.com/reelapps/authsync/pkg/middleware"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/profile"
	"github.com/reelapps/authsync/pkg/sessionstore"
	"github.com/reelapps/authsync/pkg/sso"
	"github.com/reelapps/authsync/pkg/storage"
)

// RelayPath serves the WebSocket relay hub.
const RelayPath = "/sync/ws"

type app struct {
	server   *http.Server
	health   *http.Server
	machine  *authstate.Machine
	sweepers []*activity.Sweeper
	shutdown *observability.ShutdownManager

	policy     *sso.Policy
	policyFile string
	logger     *observability.Logger
}

// newApp wires every component. Shutdown steps are registered in reverse
// dependency order: the server stops first, the store last.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	otelProviders, err := observability.InitOTel(ctx, cfg.OTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	checker := observability.NewHealthChecker(version)
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   15 * time.Second,
	}

	kv, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	checker.Register("store", kv, true)
	store := sessionstore.New(kv,
		sessionstore.WithKeyPrefix(cfg.Store.Prefix),
		sessionstore.WithLogger(logger),
		sessionstore.WithMetrics(metrics),
	)

	var redisClient *redis.Client
	if cfg.Broadcast.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(storage.Config{RedisURL: cfg.Broadcast.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		checker.Register("redis", observability.RedisPinger(redisClient), cfg.Broadcast.Backend == config.BroadcastRedis)
	}

	channel, err := openChannel(ctx, cfg, redisClient, metrics)
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	bcast := broadcast.New(channel, broadcast.WithLogger(logger), broadcast.WithMetrics(metrics))

	provider, err := openProvider(ctx, cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}

	var (
		db       *sql.DB
		profiles profile.Fetcher = profile.NewMemoryRepository()
		tracker  *activity.Tracker
	)
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		checker.Register("database", observability.DBPinger(db), true)

		repo := profile.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("profile schema: %w", err)
		}
		profiles = repo

		if cfg.Activity.Enabled {
			tracker = activity.NewTracker(db)
			if err := tracker.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("activity schema: %w", err)
			}
		}
	}

	recorder, err := openAudit(ctx, cfg, db, logger)
	if err != nil {
		return nil, err
	}

	opts := authstate.Options{
		Store:           store,
		Broadcast:       bcast,
		Provider:        provider,
		Profiles:        profiles,
		Logger:          logger,
		Metrics:         metrics,
		RefreshInterval: cfg.Refresh.Interval,
		RefreshTimeout:  cfg.Refresh.Timeout,
	}
	sweepOpts := activity.SweeperOptions{
		Schedule: cfg.Activity.Schedule,
		Grace:    cfg.Activity.Grace,
		Timeout:  cfg.Activity.Timeout,
		Logger:   logger,
		Metrics:  metrics,
	}
	var sweepers []*activity.Sweeper
	if tracker != nil {
		opts.Activity = tracker
		sweepers = append(sweepers, activity.NewSweeper(tracker, sweepOpts))
	}
	// SQL rows past expires_at are misses but stay on disk until purged.
	if sqlStore, ok := kv.(*storage.SQLStore); ok {
		sweepers = append(sweepers, activity.NewSweeper(activity.SweepFunc(func(ctx context.Context, _ time.Duration) (int64, error) {
			return sqlStore.PurgeExpired(ctx)
		}), sweepOpts))
	}
	machine := authstate.New(opts)

	ssoCfg := cfg.SSOConfig()
	policy := sso.DefaultPolicy()

	var limiter middleware.Limiter
	limitCfg := &middleware.RateLimitConfig{RequestsPerWindow: cfg.SSO.RateLimit, WindowDuration: time.Minute}
	if redisClient != nil {
		limiter = middleware.NewDistributedRateLimiter(redisClient, limitCfg, "authsync:ratelimit")
	} else {
		mem := middleware.NewMemoryRateLimiter(limitCfg)
		mem.StartCleanup(ctx)
		limiter = mem
	}
	rateLimit := middleware.NewRateLimitMiddleware(limiter, logger)

	api := mux.NewRouter()
	api.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(1<<20),
		observability.HTTPMetricsMiddleware(metrics, routeName),
	)

	// Everything under /auth/ is rate limited per client IP.
	authRoutes := mux.NewRouter()
	var exchanger sso.Exchanger
	if cfg.SSO.Holder {
		tokens := sso.NewTokenService(ssoCfg, kv, sso.WithTokenLogger(logger))
		exchanger = tokens
		sso.NewHandler(sso.HandlerOptions{
			Config:   ssoCfg,
			Resolver: sso.StoreResolver{Store: store},
			Profiles: profiles,
			Policy:   policy,
			Tokens:   tokens,
			Audit:    recorder,
			Logger:   logger,
			Metrics:  metrics,
		}).RegisterRoutes(authRoutes)
	} else {
		exchanger = sso.NewRemoteExchanger(ssoCfg.HolderHost, httpClient)
	}
	redirector := sso.NewRedirector(ssoCfg, exchanger, machine,
		sso.WithRedirectorLogger(logger),
		sso.WithRedirectorMetrics(metrics),
	)

	sessions := newSessionHandler(machine, recorder, logger)
	sessions.registerAuthRoutes(authRoutes, middleware.RequireSession(machine, nil, logger))
	sessions.registerSessionRoutes(api, middleware.RequireSession(machine, redirector, logger))
	api.PathPrefix("/auth/").Handler(rateLimit.Handler(authRoutes))

	// The relay sits outside the middleware chain, which would hide the
	// connection hijacker from the WebSocket upgrader.
	root := mux.NewRouter()
	var relay *broadcast.Relay
	if cfg.Broadcast.ServeRelay {
		relayCfg := broadcast.DefaultRelayConfig()
		relayCfg.Secret = cfg.Broadcast.RelaySecret
		relayCfg.OriginDomain = ssoCfg.Domain
		relay = broadcast.NewRelay(relayCfg, logger, metrics)
		root.Handle(RelayPath, relay)
	}
	root.PathPrefix("/").Handler(api)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(root, "authsync"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.Liveness)
	healthMux.HandleFunc("/ready", checker.Readiness)
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	health := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	if relay != nil {
		shutdown.Register("relay", relay.Shutdown)
	}
	shutdown.Register("health server", health.Shutdown)
	if len(sweepers) > 0 {
		shutdown.Register("sweepers", func(context.Context) error {
			for _, sweeper := range sweepers {
				sweeper.Stop()
			}
			return nil
		})
	}
	shutdown.Register("auth state", func(context.Context) error { return machine.Close() })
	shutdown.Register("broadcast", func(context.Context) error { return bcast.Close() })
	shutdown.Register("audit", func(context.Context) error { return recorder.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if db != nil {
		shutdown.Register("database", func(context.Context) error { return db.Close() })
	}
	shutdown.Register("store", func(context.Context) error { return kv.Close() })
	if otelProviders != nil {
		shutdown.Register("otel", otelProviders.Shutdown)
	}

	return &app{
		server:     server,
		health:     health,
		machine:    machine,
		sweepers:   sweepers,
		shutdown:   shutdown,
		policy:     policy,
		policyFile: cfg.SSO.PolicyFile,
		logger:     logger,
	}, nil
}

func (a *app) watchPolicy(ctx context.Context) error {
	return sso.WatchPolicyFile(ctx, a.policyFile, a.policy, a.logger)
}

// openAudit builds the configured audit sinks. With none configured the
// recorder discards events.
func openAudit(ctx context.Context, cfg *config.Config, db *sql.DB, logger *observability.Logger) (*audit.Recorder, error) {
	var sinks []audit.Logger
	if cfg.Audit.FilePath != "" {
		file, err := audit.NewFileLogger(cfg.FileAuditConfig())
		if err != nil {
			return nil, fmt.Errorf("audit file: %w", err)
		}
		sinks = append(sinks, file)
	}
	if cfg.Audit.Database && db != nil {
		table, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, fmt.Errorf("audit table: %w", err)
		}
		if err := table.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, table)
	}
	switch len(sinks) {
	case 0:
		return audit.NewRecorder(nil, logger), nil
	case 1:
		return audit.NewRecorder(sinks[0], logger), nil
	default:
		return audit.NewRecorder(audit.NewMultiLogger(sinks...), logger), nil
	}
}

func openChannel(ctx context.Context, cfg *config.Config, client *redis.Client, metrics *observability.Metrics) (broadcast.PubSubChannel, error) {
	switch cfg.Broadcast.Backend {
	case config.BroadcastRedis:
		return broadcast.NewRedisChannel(ctx, client, cfg.Broadcast.Channel)
	case config.BroadcastWebSocket:
		return broadcast.DialRelay(ctx, cfg.Broadcast.RelayURL, broadcast.RelayHeader(cfg.Broadcast.RelaySecret))
	default:
		return broadcast.NewBus(cfg.Broadcast.QueueSize, metrics).Channel(), nil
	}
}

func openProvider(ctx context.Context, cfg *config.Config, client *http.Client, logger *observability.Logger) (identity.Provider, error) {
	if cfg.Identity.Provider == config.ProviderMemory {
		logger.Warn("Using in-memory identity provider")
		return identity.NewMemoryProvider(cfg.Identity.SessionTTL).Session(), nil
	}
	p, err := identity.NewOAuthProvider(ctx, cfg.Identity.OAuth(),
		identity.WithHTTPClient(client),
		identity.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	return p, nil
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
