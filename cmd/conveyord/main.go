// Command conveyord runs a Conveyor worker daemon: it connects the
// configured store, starts the engine (worker pool, scheduler, reaper),
// registers the built-in task handlers, and serves the admin HTTP API.
//
// Configuration comes from the environment (optionally via a .env
// file); see conveyor.Config for the CONVEYOR_* variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/admin"
	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/store"
	"github.com/stackmesh/conveyor/store/memory"
	"github.com/stackmesh/conveyor/store/postgres"
	redisstore "github.com/stackmesh/conveyor/store/redis"
	"github.com/stackmesh/conveyor/tasks"
)

type daemonConfig struct {
	conveyor.Config

	AdminAddr     string `env:"CONVEYOR_ADMIN_ADDR" envDefault:":8080"`
	WebhookSecret string `env:"CONVEYOR_WEBHOOK_SECRET"`
	LogLevel      string `env:"CONVEYOR_LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("conveyord exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg daemonConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.StoreURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	sys, err := conveyor.New(
		conveyor.WithConfig(cfg.Config),
		conveyor.WithLogger(logger),
		conveyor.WithStore(st),
	)
	if err != nil {
		return fmt.Errorf("build system: %w", err)
	}

	eng, err := engine.Build(sys)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	registerBuiltins(eng, cfg, logger)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("engine started",
		slog.Any("queues", cfg.Queues),
		slog.Int("concurrency", cfg.Concurrency),
		slog.String("worker_id", eng.WorkerID().String()),
	)

	srv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: admin.NewHandler(admin.NewService(eng, logger), logger),
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", slog.String("addr", cfg.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		logger.Error("admin api failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStore selects the backend from the URL scheme. Empty falls back
// to the in-process memory store, which is fine for development but
// loses everything on restart.
func openStore(ctx context.Context, url string, logger *slog.Logger) (store.Store, func(), error) {
	switch {
	case url == "":
		logger.Warn("no store url configured, using in-memory store")
		return memory.New(), func() {}, nil

	case strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://"):
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redisstore.New(client, redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return s, func() { _ = client.Close() }, nil

	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		s, err := postgres.New(ctx, url, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return s, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store url %q", url)
	}
}

// registerBuiltins wires the standard task handlers. The email sender
// only logs; deployments with a real provider replace it by embedding
// the engine in their own binary.
func registerBuiltins(eng *engine.Engine, cfg daemonConfig, logger *slog.Logger) {
	tasks.RegisterEmail(eng, tasks.EmailSenderFunc(func(_ context.Context, msg tasks.EmailPayload) error {
		logger.Info("email sent",
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject),
		)
		return nil
	}))

	if cfg.WebhookSecret == "" {
		logger.Warn("CONVEYOR_WEBHOOK_SECRET not set, webhook deliveries are unsigned")
	}
	tasks.RegisterWebhook(eng, tasks.NewWebhookDeliverer(cfg.WebhookSecret,
		tasks.WithWebhookLogger(logger)))

	tasks.RegisterData(eng, tasks.NewDataProcessor())
}
