// Package governor orchestrates ad-hoc query submissions: quota admission,
// the execution ledger, the engine call and result storage.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"duck-adhoc/internal/config"
	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/metrics"
	"duck-adhoc/internal/service/quota"
	"duck-adhoc/internal/service/vault"
)

const maxQueryIDLength = 128

// engineLister is implemented by engines that can report which backends
// are registered.
type engineLister interface {
	Names() []string
}

// SubmitRequest is one ad-hoc query submission.
type SubmitRequest struct {
	QueryID        string
	UserID         string
	SQL            string
	Engine         string // empty selects the first allowed engine
	DryRun         bool
	DownloadFormat string // empty requests no download
}

// SubmitResult is the outcome of an admitted submission.
type SubmitResult struct {
	Execution   *domain.Execution
	Result      *domain.QueryResult   // nil for dry runs
	Validation  *domain.SQLValidation // set for dry runs
	DownloadURL string
	Warnings    []string
}

// Governor runs submissions. It holds no lock across engine calls; the only
// contention point is the per-user quota, handled by optimistic retries.
type Governor struct {
	executions domain.ExecutionRepository
	engine     domain.ExecutionEngine
	quota      *quota.Tracker
	vault      *vault.Vault
	limits     config.Governance
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(g *Governor) { g.clock = c } }

// WithMetrics records governor activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Governor) { g.metrics = m } }

// New creates a Governor.
func New(
	executions domain.ExecutionRepository,
	engine domain.ExecutionEngine,
	tracker *quota.Tracker,
	v *vault.Vault,
	limits config.Governance,
	logger *slog.Logger,
	opts ...Option,
) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		executions: executions,
		engine:     engine,
		quota:      tracker,
		vault:      v,
		limits:     limits,
		clock:      clock.New(),
		logger:     logger.With("component", "governor"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// renderSQL trims whitespace and trailing statement terminators.
func renderSQL(raw string) string {
	s := strings.TrimSpace(raw)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}

func (g *Governor) validate(req *SubmitRequest) (domain.ResultFormat, error) {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return "", domain.ErrValidation("user id is required")
	case req.QueryID == "":
		return "", domain.ErrValidation("query id is required")
	case len(req.QueryID) > maxQueryIDLength:
		return "", domain.ErrValidation("query id exceeds %d characters", maxQueryIDLength)
	case strings.ContainsAny(req.QueryID, ": \t\r\n/"):
		return "", domain.ErrValidation("query id must not contain ':', '/' or whitespace")
	case renderSQL(req.SQL) == "":
		return "", domain.ErrValidation("sql is required")
	}

	if req.Engine == "" {
		req.Engine = g.limits.AllowedEngines[0]
	}
	req.Engine = strings.ToLower(req.Engine)
	if !g.limits.EngineAllowed(req.Engine) {
		return "", domain.ErrValidation("engine %q is not allowed", req.Engine)
	}
	if lister, ok := g.engine.(engineLister); ok && !slices.Contains(lister.Names(), req.Engine) {
		return "", domain.ErrValidation("engine %q is not configured", req.Engine)
	}

	format, err := domain.ParseResultFormat(req.DownloadFormat)
	if err != nil {
		return "", err
	}
	if format != "" && !g.limits.FileTypeAllowed(string(format)) {
		return "", &domain.UnsupportedFormatError{Format: req.DownloadFormat}
	}
	return format, nil
}

// Submit validates, admits and runs a submission. Quota and validation
// errors are returned without touching the ledger. Once an execution is
// RUNNING every outcome is written to the ledger before being returned, even
// if ctx is cancelled.
func (g *Governor) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	format, err := g.validate(&req)
	if err != nil {
		g.metrics.ObserveAdmission(metrics.AdmissionRejected)
		return nil, err
	}
	rendered := renderSQL(req.SQL)
	logger := g.logger.With("query_id", req.QueryID, "user_id", req.UserID, "engine", req.Engine)

	if req.DryRun {
		return g.dryRun(ctx, req, rendered, logger)
	}

	if err := g.quota.Check(ctx, req.UserID); err != nil {
		var exceeded *domain.QuotaExceededError
		if errors.As(err, &exceeded) {
			g.metrics.ObserveAdmission(metrics.AdmissionQuotaExceeded)
		}
		return nil, err
	}

	exec := domain.NewExecution(req.QueryID, req.UserID, req.SQL, rendered, req.Engine, g.clock.Now().UTC())
	if err := g.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	g.metrics.ObserveAdmission(metrics.AdmissionAdmitted)

	// From here on the ledger must record the outcome even if the caller
	// goes away.
	ledgerCtx := context.WithoutCancel(ctx)
	if err := exec.Start(g.clock.Now().UTC()); err != nil {
		return nil, err
	}
	if err := g.executions.Update(ledgerCtx, exec); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	logger.Info("execution started")

	res, engineErr := g.engine.Execute(ctx, rendered, req.Engine, g.limits.MaxQueryDurationSeconds, g.limits.MaxResultRows)
	if engineErr != nil {
		return nil, g.recordFailure(ctx, ledgerCtx, exec, engineErr, logger)
	}
	return g.recordSuccess(ledgerCtx, exec, res, format, logger)
}

func (g *Governor) dryRun(ctx context.Context, req SubmitRequest, rendered string, logger *slog.Logger) (*SubmitResult, error) {
	v, err := g.engine.ValidateSQL(ctx, rendered, req.Engine)
	if err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &domain.EngineExecutionError{QueryID: req.QueryID, Engine: req.Engine, Err: err}
	}
	exec := domain.NewValidatedExecution(req.QueryID, req.UserID, req.SQL, rendered, req.Engine, v.ErrorMessage, g.clock.Now().UTC())
	if err := g.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	g.metrics.ObserveExecution(req.Engine, string(exec.Status), 0)
	logger.Info("dry run validated", "valid", v.Valid)
	return &SubmitResult{Execution: exec, Validation: v, Warnings: v.Warnings}, nil
}

func (g *Governor) recordFailure(ctx, ledgerCtx context.Context, exec *domain.Execution, engineErr error, logger *slog.Logger) error {
	now := g.clock.Now().UTC()
	var returned error
	// A ValidationError is raised before any backend runs and is not charged.
	charge := true
	var invalid *domain.ValidationError
	switch {
	case errors.As(engineErr, &invalid):
		_ = exec.Fail(engineErr.Error(), now)
		returned = engineErr
		charge = false
	case errors.Is(engineErr, domain.ErrEngineTimeout):
		_ = exec.Timeout(g.limits.MaxQueryDurationSeconds, now)
		returned = &domain.ExecutionTimeoutError{QueryID: exec.QueryID, TimeoutSeconds: g.limits.MaxQueryDurationSeconds}
	case errors.Is(ctx.Err(), context.Canceled):
		_ = exec.Cancel(now)
		returned = fmt.Errorf("execution %q cancelled: %w", exec.QueryID, ctx.Err())
	default:
		_ = exec.Fail(engineErr.Error(), now)
		returned = &domain.EngineExecutionError{QueryID: exec.QueryID, Engine: exec.Engine, Err: engineErr}
	}

	if charge {
		g.countUsage(ledgerCtx, exec.UserID, logger)
	}
	if err := g.executions.Update(ledgerCtx, exec); err != nil {
		logger.Error("record execution failure", "status", exec.Status, "error", err)
		return errors.Join(returned, fmt.Errorf("record execution: %w", err))
	}
	g.metrics.ObserveExecution(exec.Engine, string(exec.Status), now.Sub(*exec.StartedAt).Seconds())
	logger.Warn("execution did not complete", "status", exec.Status, "error", engineErr)
	return returned
}

func (g *Governor) recordSuccess(ctx context.Context, exec *domain.Execution, res *domain.EngineResult, format domain.ResultFormat, logger *slog.Logger) (*SubmitResult, error) {
	out := &SubmitResult{Execution: exec, Result: &res.Result}
	out.Warnings = append(out.Warnings, res.Warnings...)
	if res.TotalRows != nil && *res.TotalRows > int64(len(res.Result.Rows)) {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("query produced %d rows; %d returned", *res.TotalRows, len(res.Result.Rows)))
	}

	var resultPath *string
	var expiresAt *time.Time
	receipt, err := g.vault.Store(ctx, exec.QueryID, res.Result, format)
	var tooLarge *vault.ResultTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"result is %d bytes, above the %d MB download limit; no download link was created",
			tooLarge.Size, g.limits.MaxResultSizeMB))
	case err != nil:
		logger.Error("store result failed", "error", err)
		out.Warnings = append(out.Warnings, "result could not be stored for download")
	case receipt != nil:
		out.DownloadURL = receipt.DownloadURL
		resultPath = &receipt.DownloadURL
		expiresAt = &receipt.ExpiresAt
	}

	now := g.clock.Now().UTC()
	if err := exec.Complete(domain.ResultMetrics{
		RowsReturned:         int64(len(res.Result.Rows)),
		BytesScanned:         res.BytesScanned,
		CostEstimate:         res.CostEstimate,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
	}, resultPath, expiresAt, now); err != nil {
		return nil, err
	}
	counted := g.countUsage(ctx, exec.UserID, logger)
	if err := g.executions.Update(ctx, exec); err != nil {
		return nil, fmt.Errorf("complete execution: %w", err)
	}
	if !counted {
		out.Warnings = append(out.Warnings, "quota usage could not be recorded")
	}

	g.metrics.ObserveExecution(exec.Engine, string(exec.Status), res.ExecutionTimeSeconds)
	logger.Info("execution completed", "rows", len(res.Result.Rows), "download", out.DownloadURL != "")
	return out, nil
}

// countUsage increments the caller's quota. A failure is logged and does not
// undo the execution it follows.
func (g *Governor) countUsage(ctx context.Context, userID string, logger *slog.Logger) bool {
	if _, err := g.quota.Increment(ctx, userID); err != nil {
		logger.Error("quota increment failed", "error", err)
		return false
	}
	return true
}

// GetExecution returns one of the caller's executions. Executions of other
// users are reported as not found.
func (g *Governor) GetExecution(ctx context.Context, userID, queryID string) (*domain.Execution, error) {
	exec, err := g.executions.GetByQueryID(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userID {
		return nil, domain.ErrNotFound("execution %q not found", queryID)
	}
	return exec, nil
}

// ListExecutions returns the caller's executions, newest first, and the
// token of the next page ("" on the last page).
func (g *Governor) ListExecutions(ctx context.Context, userID string, page domain.PageRequest) ([]domain.Execution, string, error) {
	execs, total, err := g.executions.ListByUser(ctx, userID, page)
	if err != nil {
		return nil, "", err
	}
	return execs, domain.NextPageToken(page.Offset(), page.Limit(), total), nil
}

// QuotaStatus returns the caller's usage and reset instants.
func (g *Governor) QuotaStatus(ctx context.Context, userID string) (*quota.Status, error) {
	return g.quota.Status(ctx, userID)
}

// Download serves a stored result for a valid token.
func (g *Governor) Download(ctx context.Context, queryID, format, token string) ([]byte, error) {
	return g.vault.GetResultForDownload(ctx, queryID, format, token)
}
