package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/veriflow/internal/adapters/api"
	"github.com/poyrazK/veriflow/internal/adapters/kvstore"
	"github.com/poyrazK/veriflow/internal/adapters/providers"
	"github.com/poyrazK/veriflow/internal/adapters/repository"
	"github.com/poyrazK/veriflow/internal/adapters/secrets"
	"github.com/poyrazK/veriflow/internal/config"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/poyrazK/veriflow/internal/infrastructure/taskqueue"
	"github.com/poyrazK/veriflow/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load()); err != nil {
		log.Fatalf("veriflow: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}

	stores := newStores(cfg)
	defer stores.Close()

	a, err := build(cfg, db, stores, logger)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

// stores groups the counter, replay and throttle backends. Without REDIS_ADDR
// they live in process memory, which only suits a single replica.
type stores struct {
	counters ports.CounterStore
	replay   ports.ReplayStore
	limiter  ports.RateLimiter
	health   ports.HealthChecker
	closer   io.Closer
}

func newStores(cfg config.Config) *stores {
	if cfg.RedisAddr != "" {
		rs := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return &stores{counters: rs, replay: rs, limiter: rs, health: rs, closer: rs}
	}
	ms := kvstore.NewMemoryStore()
	return &stores{counters: ms, replay: ms, limiter: kvstore.NewMemoryLimiter(), health: ms, closer: ms}
}

func (s *stores) Close() error {
	return s.closer.Close()
}

type app struct {
	cfg          config.Config
	server       *http.Server
	jobs         *taskqueue.Queue
	webhooks     *taskqueue.Queue
	orchestrator *services.JobOrchestrator
	logger       *slog.Logger
}

func build(cfg config.Config, db *sql.DB, st *stores, logger *slog.Logger) (*app, error) {
	key, err := secrets.ParseKey(cfg.KeyringKey)
	if err != nil {
		return nil, fmt.Errorf("parse keyring key: %w", err)
	}
	keyring, err := secrets.NewKeyring(key)
	if err != nil {
		return nil, fmt.Errorf("create keyring: %w", err)
	}

	repo := repository.NewPostgresRepository(db)
	jobQueue := taskqueue.New("jobs", cfg.JobWorkers, cfg.QueueSize, logger)
	webhookQueue := taskqueue.New("webhooks", cfg.WebhookWorkers, cfg.QueueSize, logger)

	dispatcher := services.NewWebhookDispatcher(repo, keyring, webhookQueue, &http.Client{}, cfg.WebhookVersion, logger)
	quota := services.NewQuotaLedger(st.counters, repo, logger)
	usage := services.NewUsageMeter(repo)
	provs := ports.Providers{
		Liveness:  providers.NewLiveness(),
		OCR:       providers.NewOCR(),
		Validator: providers.NewValidator(),
		FaceMatch: providers.NewFaceMatch(),
	}

	orchestrator := services.NewJobOrchestrator(services.JobOrchestratorConfig{
		Jobs:            repo,
		Tenants:         repo,
		Quota:           quota,
		Usage:           usage,
		Providers:       provs,
		Events:          dispatcher,
		Scheduler:       jobQueue,
		ProviderTimeout: cfg.ProviderTimeout,
		Logger:          logger,
	})

	handler := api.NewAPIHandler(api.Config{
		Auth:         services.NewSignatureVerifier(repo, repo, st.replay, keyring, logger),
		Limiter:      st.limiter,
		Verification: services.NewVerificationService(quota, usage, provs, dispatcher, cfg.ProviderTimeout, logger),
		Jobs:         orchestrator,
		Health:       map[string]ports.HealthChecker{"postgres": repo, "kvstore": st.health},
		MaxBodyBytes: cfg.MaxBodyBytes,
		TrustProxy:   cfg.TrustProxy,
		Logger:       logger,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &app{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		jobs:         jobQueue,
		webhooks:     webhookQueue,
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// serve runs until ctx is cancelled or the listener fails, then drains the
// HTTP server and both worker pools.
func (a *app) serve(ctx context.Context) error {
	a.jobs.Start()
	a.webhooks.Start()

	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	defer stopRecovery()
	go a.orchestrator.Start(recoveryCtx, a.cfg.RecoveryEvery, a.cfg.RecoveryEvery)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP API listening", "addr", a.cfg.HTTPAddr)
		errCh <- a.server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	stopRecovery()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}
	if err := a.jobs.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("job queue shutdown failed", "error", err)
	}
	if err := a.webhooks.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("webhook queue shutdown failed", "error", err)
	}
	return serveErr
}
