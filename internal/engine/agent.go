package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"duck-adhoc/internal/domain"
)

const maxAgentRequestBytes = 1 << 20

// Agent error codes.
const (
	codeAuth      = "AUTH_ERROR"
	codeParse     = "PARSE_ERROR"
	codeExecution = "EXECUTION_ERROR"
)

// NewAgentHandler serves the compute agent protocol that RemoteEngine
// speaks: POST /execute, POST /validate and GET /health. Every POST must
// carry a valid agent signature for token.
func NewAgentHandler(backend Backend, token string, clk clock.Clock, logger *slog.Logger) http.Handler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &agentHandler{backend: backend, token: token, clock: clk, started: clk.Now(), logger: logger.With("component", "compute-agent")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", a.execute)
	mux.HandleFunc("POST /validate", a.validate)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeAgentJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"uptime_seconds": int(a.clock.Since(a.started).Seconds()),
		})
	})
	return mux
}

type agentHandler struct {
	backend Backend
	token   string
	clock   clock.Clock
	started time.Time
	logger  *slog.Logger
}

// readSigned reads and authenticates the request. On failure the response
// has been written.
func (a *agentHandler) readSigned(w http.ResponseWriter, r *http.Request) (*remoteExecuteRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAgentRequestBytes))
	if err != nil {
		writeAgentJSON(w, http.StatusBadRequest, remoteExecuteResponse{Error: "invalid request body", Code: codeParse})
		return nil, false
	}
	if err := VerifyAgentRequest(r, body, a.token, a.clock.Now()); err != nil {
		a.logger.Warn("rejected agent request", "path", r.URL.Path, "error", err)
		writeAgentJSON(w, http.StatusUnauthorized, remoteExecuteResponse{Error: "unauthorized", Code: codeAuth})
		return nil, false
	}
	var req remoteExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SQL == "" {
		writeAgentJSON(w, http.StatusBadRequest, remoteExecuteResponse{Error: "invalid request body", Code: codeParse})
		return nil, false
	}
	return &req, true
}

func (a *agentHandler) execute(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readSigned(w, r)
	if !ok {
		return
	}
	logger := a.logger.With("request_id", req.RequestID)
	logger.Info("executing query")

	res, err := a.backend.Execute(r.Context(), req.SQL, req.TimeoutSeconds, req.MaxRows)
	switch {
	case errors.Is(err, domain.ErrEngineTimeout):
		logger.Warn("query timed out", "timeout_seconds", req.TimeoutSeconds)
		writeAgentJSON(w, http.StatusGatewayTimeout, remoteExecuteResponse{Error: err.Error(), Code: codeTimeout})
		return
	case err != nil:
		logger.Error("query execution failed", "error", err)
		writeAgentJSON(w, http.StatusInternalServerError, remoteExecuteResponse{Error: err.Error(), Code: codeExecution})
		return
	}

	logger.Info("query completed", "row_count", len(res.Result.Rows))
	writeAgentJSON(w, http.StatusOK, remoteExecuteResponse{
		Columns:      res.Result.Columns,
		Rows:         res.Result.Rows,
		RowCount:     len(res.Result.Rows),
		TotalRows:    res.TotalRows,
		BytesScanned: res.BytesScanned,
		CostEstimate: res.CostEstimate,
		Warnings:     res.Warnings,
	})
}

func (a *agentHandler) validate(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readSigned(w, r)
	if !ok {
		return
	}
	v, err := a.backend.ValidateSQL(r.Context(), req.SQL)
	if err != nil {
		writeAgentJSON(w, http.StatusInternalServerError, remoteValidateResponse{Error: err.Error()})
		return
	}
	writeAgentJSON(w, http.StatusOK, remoteValidateResponse{Valid: v.Valid, ErrorMessage: v.ErrorMessage, Warnings: v.Warnings})
}

func writeAgentJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
