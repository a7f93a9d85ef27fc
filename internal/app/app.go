// Package app wires repositories, engines and services from configuration
// and runs the HTTP server alongside the reclaim scheduler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"duck-adhoc/internal/api"
	"duck-adhoc/internal/config"
	"duck-adhoc/internal/db"
	"duck-adhoc/internal/db/redisstore"
	"duck-adhoc/internal/db/repository"
	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/engine"
	"duck-adhoc/internal/metrics"
	"duck-adhoc/internal/middleware"
	"duck-adhoc/internal/service/governor"
	"duck-adhoc/internal/service/quota"
	"duck-adhoc/internal/service/vault"
)

const shutdownTimeout = 10 * time.Second

// App holds the fully wired service.
type App struct {
	Config    *config.Config
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Engines   *engine.Registry
	Tracker   *quota.Tracker
	Vault     *vault.Vault
	Governor  *governor.Governor
	Reclaimer *vault.ReclaimScheduler

	logger  *slog.Logger
	closers []func() error
}

// New opens storage, runs migrations and wires every service. Close
// releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	// === Ledger (SQLite) ===
	pools, err := db.OpenPools(cfg.MetaDBPath, 0)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pools.Close)
	if err := db.RunMigrations(pools.Write); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	executions := repository.NewExecutionRepo(pools.Write, pools.Read)

	// === Quota backend ===
	quotaRepo, err := a.quotaRepo(ctx, pools.Write)
	if err != nil {
		return nil, err
	}
	a.Tracker = quota.NewTracker(quotaRepo,
		quota.Limits{PerHour: cfg.Governance.QueriesPerHour, PerDay: cfg.Governance.QueriesPerDay},
		logger,
		quota.WithMaxRetries(cfg.QuotaMaxRetries),
		quota.WithConflictHook(a.Metrics.ObserveQuotaConflict),
	)

	// === Result vault ===
	a.Vault = NewVault(cfg, logger, a.Metrics)
	a.Reclaimer = vault.NewReclaimScheduler(a.Vault, cfg.ReclaimSchedule, a.Metrics, logger)

	// === Engines ===
	duck, err := engine.OpenDuckDB(cfg.DuckDBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, duck.Close)
	a.Engines = a.engines(duck)
	if err := checkEngines(cfg.Governance.AllowedEngines, a.Engines.Names()); err != nil {
		return nil, err
	}

	a.Governor = governor.New(executions, a.Engines, a.Tracker, a.Vault, cfg.Governance, logger,
		governor.WithMetrics(a.Metrics))
	logger.Info("application wired",
		"quota_backend", cfg.QuotaBackend,
		"result_store", cfg.ResultStore,
		"engines", a.Engines.Names())
	return a, nil
}

// NewVault builds the result vault on the configured store.
func NewVault(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *vault.Vault {
	var store domain.ResultStore
	switch cfg.ResultStore {
	case config.ResultStoreS3:
		store = vault.NewS3Store(cfg.S3, logger)
	default:
		store = vault.NewMemoryStore()
	}
	return vault.New(store, vault.Config{
		Secret:     cfg.DownloadTokenSecret,
		Expiration: cfg.Governance.ResultExpiration(),
		MaxBytes:   cfg.Governance.MaxResultBytes(),
		BaseURL:    cfg.PublicBaseURL,
	}, logger, vault.WithMetrics(m))
}

func (a *App) quotaRepo(ctx context.Context, sqlite *sql.DB) (domain.QuotaRepository, error) {
	if a.Config.QuotaBackend != config.QuotaBackendRedis {
		return repository.NewQuotaRepo(sqlite), nil
	}
	client, err := redisstore.NewClient(ctx, redisstore.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return redisstore.NewQuotaRepo(client, ""), nil
}

func (a *App) engines(duck *sql.DB) *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register("duckdb", engine.NewDuckDBEngine(duck, a.logger))
	if a.Config.RemoteEngineURL != "" {
		reg.Register("remote", engine.NewRemoteEngine(a.Config.RemoteEngineURL, a.Config.RemoteEngineToken, a.logger))
	}
	return reg
}

// checkEngines fails when an allowed engine has no registered backend.
func checkEngines(allowed, registered []string) error {
	var missing []string
	for _, name := range allowed {
		if !slices.Contains(registered, strings.ToLower(name)) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("allowed engines have no backend: %s (set REMOTE_ENGINE_URL or trim GOV_ALLOWED_ENGINES)",
			strings.Join(missing, ", "))
	}
	return nil
}

// Router builds the HTTP handler. ctx bounds the rate limiter's cleanup.
func (a *App) Router(ctx context.Context) (http.Handler, error) {
	var validator middleware.TokenValidator
	if a.Config.JWTSecret != "" {
		v, err := middleware.NewHS256Validator(a.Config.JWTSecret)
		if err != nil {
			return nil, err
		}
		validator = v
	}
	h := api.NewHandler(a.Governor, nil, a.logger)
	return api.NewRouter(ctx, h, api.RouterConfig{
		CORSAllowedOrigins: a.Config.CORSAllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.Config.RateLimitRPS,
			Burst:             a.Config.RateLimitBurst,
		},
		Validator: validator,
		Gatherer:  a.Registry,
	}, a.logger), nil
}

// Serve runs the HTTP server and the reclaim scheduler until ctx is done or
// either fails.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Router(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      a.Config.Governance.MaxQueryDuration() + time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	if err := a.Reclaimer.Start(ctx); err != nil {
		return err
	}
	defer a.Reclaimer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", "addr", a.Config.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases storage handles in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
