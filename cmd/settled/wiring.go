package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/settlement/pkg/confirmation"
	"github.com/Mindburn-Labs/settlement/pkg/config"
	"github.com/Mindburn-Labs/settlement/pkg/idempotency"
	"github.com/Mindburn-Labs/settlement/pkg/observability"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/settlement"
	"github.com/Mindburn-Labs/settlement/pkg/store"
	"github.com/Mindburn-Labs/settlement/pkg/store/memory"
	"github.com/Mindburn-Labs/settlement/pkg/store/sqlstore"
	"github.com/Mindburn-Labs/settlement/pkg/trigger"
)

// loadConfig parses the shared -config flag and loads the configuration.
func loadConfig(name string, args []string, stderr io.Writer) (*config.Config, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// openStore opens the configured store and applies the schema when asked.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres, config.DriverSQLite:
		s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openCache uses Redis when configured, otherwise a process-local cache.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (idempotency.Cache, func() error, error) {
	if cfg.Redis.Addr == "" {
		return idempotency.NewMemoryCache(cfg.Redis.TTL), func() error { return nil }, nil
	}
	client := idempotency.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis idempotency cache connected", "addr", cfg.Redis.Addr)
	return idempotency.NewRedisCache(client, cfg.Redis.Prefix, cfg.Redis.TTL), client.Close, nil
}

// openPublisher uses NATS when configured, otherwise logs events.
func openPublisher(cfg *config.Config, logger *slog.Logger) (outbox.Publisher, error) {
	if cfg.NATS.URL == "" {
		return outbox.NewLogPublisher(logger), nil
	}
	pub, err := outbox.NewNATSPublisher(outbox.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		MaxReconnects: -1,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("nats publisher connected", "url", cfg.NATS.URL)
	return pub, nil
}

func newEngine(st store.Store, cfg *config.Config, cache idempotency.Cache, obs *observability.Provider) (*settlement.Engine, error) {
	eval, err := trigger.NewEvaluator()
	if err != nil {
		return nil, err
	}
	opts := []settlement.Option{
		settlement.WithGate(confirmation.NewGate(cfg.Confirmation.Window)),
	}
	if cache != nil {
		opts = append(opts, settlement.WithCache(cache))
	}
	if obs != nil {
		opts = append(opts, settlement.WithObservability(obs))
	}
	return settlement.New(st, eval, opts...), nil
}
