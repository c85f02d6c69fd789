package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/reelapps/authsync/pkg/config"
	"github.com/reelapps/authsync/pkg/observability"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authsync: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("version", version)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("authsync exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Starting authsync server on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Starting health server on %s", a.health.Addr)
		if err := a.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// An initialization failure leaves the machine in its error phase,
		// which the session gate reports as 503; the server keeps running.
		if err := a.machine.Initialize(gctx); err != nil {
			logger.WithError(err).Error("Auth state initialization failed")
		}
		return nil
	})
	if a.policyFile != "" {
		g.Go(func() error {
			if err := a.watchPolicy(gctx); err != nil {
				return fmt.Errorf("policy watch: %w", err)
			}
			return nil
		})
	}
	for _, sweeper := range a.sweepers {
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down authsync")
		return a.shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}
