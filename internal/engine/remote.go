package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"duck-adhoc/internal/domain"
)

var _ Backend = (*RemoteEngine)(nil)

const (
	codeTimeout       = "TIMEOUT"
	maxResponseBytes  = 512 << 20
	remoteGracePeriod = 5 * time.Second
)

// RemoteEngine forwards queries to a compute agent over HTTP. Requests are
// authenticated with signed agent headers.
type RemoteEngine struct {
	baseURL string
	token   string
	client  *http.Client
	clock   clock.Clock
	logger  *slog.Logger
}

// RemoteOption configures a RemoteEngine.
type RemoteOption func(*RemoteEngine)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption { return func(e *RemoteEngine) { e.client = c } }

// WithRemoteClock sets the clock used for request timestamps.
func WithRemoteClock(c clock.Clock) RemoteOption { return func(e *RemoteEngine) { e.clock = c } }

// NewRemoteEngine creates a RemoteEngine for the agent at baseURL.
func NewRemoteEngine(baseURL, token string, logger *slog.Logger, opts ...RemoteOption) *RemoteEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		clock:   clock.New(),
		logger:  logger.With("component", "remote-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type remoteExecuteRequest struct {
	SQL            string `json:"sql"`
	RequestID      string `json:"request_id"`
	MaxRows        int    `json:"max_rows,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type remoteExecuteResponse struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	RowCount     int             `json:"row_count"`
	TotalRows    *int64          `json:"total_rows,omitempty"`
	BytesScanned int64           `json:"bytes_scanned"`
	CostEstimate float64         `json:"cost_estimate"`
	Warnings     []string        `json:"warnings,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         string          `json:"code,omitempty"`
}

type remoteValidateResponse struct {
	Valid        bool     `json:"valid"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Execute posts the query to /execute. The agent enforces the row and time
// bounds; the local deadline adds a grace period for transfer.
func (e *RemoteEngine) Execute(ctx context.Context, query string, timeoutSeconds, maxRows int) (*domain.EngineResult, error) {
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+remoteGracePeriod)
		defer cancel()
	}

	start := e.clock.Now()
	var resp remoteExecuteResponse
	status, err := e.post(ctx, "/execute", remoteExecuteRequest{
		SQL:            query,
		RequestID:      uuid.New().String(),
		MaxRows:        maxRows,
		TimeoutSeconds: timeoutSeconds,
	}, &resp)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineTimeout, err)
		}
		return nil, err
	}
	if status == http.StatusGatewayTimeout || resp.Code == codeTimeout {
		return nil, fmt.Errorf("%w: %s", domain.ErrEngineTimeout, resp.Error)
	}
	if status != http.StatusOK || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, fmt.Errorf("remote execution failed (%d): %s", status, msg)
	}

	rows := resp.Rows
	if rows == nil {
		rows = make([][]interface{}, 0)
	}
	res := &domain.EngineResult{
		Result:               domain.QueryResult{Columns: resp.Columns, Rows: rows},
		BytesScanned:         resp.BytesScanned,
		CostEstimate:         resp.CostEstimate,
		TotalRows:            resp.TotalRows,
		Warnings:             resp.Warnings,
		ExecutionTimeSeconds: e.clock.Since(start).Seconds(),
	}
	if maxRows > 0 && len(res.Result.Rows) > maxRows {
		res.Result.Rows = res.Result.Rows[:maxRows]
		res.Warnings = append(res.Warnings, fmt.Sprintf("result truncated to %d rows", maxRows))
	}
	return res, nil
}

// ValidateSQL posts the query to /validate.
func (e *RemoteEngine) ValidateSQL(ctx context.Context, query string) (*domain.SQLValidation, error) {
	var resp remoteValidateResponse
	status, err := e.post(ctx, "/validate", remoteExecuteRequest{SQL: query, RequestID: uuid.New().String()}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("remote validation failed (%d): %s", status, resp.Error)
	}
	return &domain.SQLValidation{Valid: resp.Valid, ErrorMessage: resp.ErrorMessage, Warnings: resp.Warnings}, nil
}

func (e *RemoteEngine) post(ctx context.Context, path string, in, out interface{}) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signAgentRequest(req, e.token, body, e.clock.Now())

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call compute agent: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("decode agent response: %w", err)
	}
	e.logger.Debug("agent call", "path", path, "status", resp.StatusCode)
	return resp.StatusCode, nil
}
