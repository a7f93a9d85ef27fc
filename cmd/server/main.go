// Command server runs the ad-hoc query governance service.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duck-adhoc/internal/app"
	"duck-adhoc/internal/config"
	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/service/vault"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Governed ad-hoc SQL execution service",
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if envFile == "" {
				return nil
			}
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newTokenCmd())
	return root
}

// loadConfig reads the environment and builds the logger, then logs the
// warnings collected while loading.
func loadConfig(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}
	return cfg, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the result reclaim scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			logger.Info("try: curl -H 'X-User-ID: analyst' -d '{\"query_id\":\"q1\",\"sql\":\"SELECT 42\"}' http://" +
				curlHostForListenAddr(cfg.ListenAddr) + "/executions")
			return a.Serve(ctx)
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict expired results from the configured store once and exit",
		Long: "Runs a single reclaim sweep. Only useful with RESULT_STORE=s3; " +
			"the in-memory store lives inside the serve process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.ResultStore == config.ResultStoreMemory {
				logger.Warn("sweeping an in-memory store from a separate process has no effect")
			}
			v := app.NewVault(cfg, logger, nil)
			evicted, err := vault.NewReclaimScheduler(v, cfg.ReclaimSchedule, nil, logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "evicted %d expired results\n", evicted)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Download token utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a download token and check it against DOWNLOAD_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(io.Discard)
			if err != nil {
				return err
			}
			report, err := inspectToken(vault.NewSigner(cfg.DownloadTokenSecret), args[0], time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	})
	return cmd
}

// tokenReport is the output of "token inspect".
type tokenReport struct {
	vault.TokenClaims
	Expired bool   `json:"expired"`
	Valid   bool   `json:"valid"`
	Problem string `json:"problem,omitempty"`
}

func inspectToken(signer *vault.Signer, token string, now time.Time) (*tokenReport, error) {
	claims, err := vault.Decode(token)
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	report := &tokenReport{TokenClaims: *claims, Expired: now.After(claims.ExpiresAt)}
	if err := signer.Validate(token, claims.QueryID, claims.Format, now); err != nil {
		report.Problem = err.Error()
		var bad *domain.InvalidDownloadTokenError
		if errors.As(err, &bad) {
			report.Problem = bad.Reason
		}
	} else {
		report.Valid = true
	}
	return report, nil
}

// curlHostForListenAddr turns a listen address into a host usable in a
// curl hint.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
