package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/settlement/pkg/api"
	"github.com/Mindburn-Labs/settlement/pkg/config"
	"github.com/Mindburn-Labs/settlement/pkg/observability"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/settlement"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig("serve", args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := setupLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("settled stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStore(ctx, cfg, cfg.Store.Migrate)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	cache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	pub, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	engine, err := newEngine(st, cfg, cache, obs)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(st, pub, cfg.Outbox.BatchSize).WithResumer(engine)

	var limiter *api.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(engine, st, limiter).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	workers, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(workers, cfg.Outbox.Interval)
	}()
	go func() {
		defer wg.Done()
		runSweepLoop(workers, engine, cfg.Confirmation.SweepInterval, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "addr", cfg.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	cancelWorkers()
	wg.Wait()
	return err
}

func runSweepLoop(ctx context.Context, engine *settlement.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := engine.ExpireConfirmations(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "confirmation sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				logger.InfoContext(ctx, "confirmations expired", "count", len(expired))
			}
		}
	}
}
