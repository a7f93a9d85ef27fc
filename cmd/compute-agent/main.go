// Command compute-agent serves the "remote" query engine. It owns a DuckDB
// database and answers signed /execute and /validate calls from the
// governance server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"duck-adhoc/internal/engine"
)

func main() {
	cfg, err := loadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "compute-agent: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := serveAgent(ctx, cfg, logger); err != nil {
		logger.Error("compute agent stopped", "error", err)
		os.Exit(1)
	}
}

func serveAgent(ctx context.Context, cfg *AgentConfig, logger *slog.Logger) error {
	db, err := engine.OpenDuckDB(cfg.DuckDBPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	for _, stmt := range cfg.settings() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	logger.Info("duckdb opened", "path", cfg.DuckDBPath, "settings", len(cfg.settings()))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine.NewAgentHandler(engine.NewDuckDBEngine(db, logger), cfg.AgentToken, nil, logger),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.writeTimeout(),
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("compute agent listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
