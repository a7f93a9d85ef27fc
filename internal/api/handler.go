// Package api provides the HTTP surface of the ad-hoc query service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/service/governor"
	"duck-adhoc/internal/service/quota"
)

const maxRequestBodyBytes = 1 << 20

// Service is the governor surface the handlers call.
type Service interface {
	Submit(ctx context.Context, req governor.SubmitRequest) (*governor.SubmitResult, error)
	GetExecution(ctx context.Context, userID, queryID string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, userID string, page domain.PageRequest) ([]domain.Execution, string, error)
	QuotaStatus(ctx context.Context, userID string) (*quota.Status, error)
	Download(ctx context.Context, queryID, format, token string) ([]byte, error)
}

// Handler serves executions, quota status and result downloads.
type Handler struct {
	svc    Service
	clock  clock.Clock
	logger *slog.Logger
}

// NewHandler creates a Handler. A nil clock uses the wall clock.
func NewHandler(svc Service, clk clock.Clock, logger *slog.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, clock: clk, logger: logger.With("component", "api")}
}

// Mount registers the authenticated routes on r. The caller installs the
// authentication middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/executions", h.SubmitExecution)
	r.Get("/executions", h.ListExecutions)
	r.Get("/executions/{queryId}", h.GetExecution)
	r.Get("/quota", h.GetQuota)
}

// MountDownloads registers the token-authenticated download route.
func (h *Handler) MountDownloads(r chi.Router) {
	r.Get("/results/{queryId}/download", h.DownloadResult)
}

type submitRequest struct {
	QueryID        string `json:"query_id"`
	SQL            string `json:"sql"`
	Engine         string `json:"engine,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
	DownloadFormat string `json:"download_format,omitempty"`
}

type executionJSON struct {
	QueryID              string     `json:"query_id"`
	UserID               string     `json:"user_id"`
	Engine               string     `json:"engine"`
	Status               string     `json:"status"`
	RawSQL               string     `json:"raw_sql"`
	RenderedSQL          string     `json:"rendered_sql"`
	RowsReturned         *int64     `json:"rows_returned,omitempty"`
	RowsFailed           *int64     `json:"rows_failed,omitempty"`
	BytesScanned         *int64     `json:"bytes_scanned,omitempty"`
	CostEstimate         *float64   `json:"cost_estimate,omitempty"`
	ExecutionTimeSeconds *float64   `json:"execution_time_seconds,omitempty"`
	ResultPath           *string    `json:"result_path,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CanDownload          bool       `json:"can_download"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

type validationJSON struct {
	Valid        bool     `json:"valid"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

type submitResponse struct {
	Execution   executionJSON   `json:"execution"`
	Columns     []string        `json:"columns,omitempty"`
	Rows        [][]interface{} `json:"rows,omitempty"`
	Validation  *validationJSON `json:"validation,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
}

type listResponse struct {
	Executions    []executionJSON `json:"executions"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

func (h *Handler) executionToAPI(e domain.Execution) executionJSON {
	return executionJSON{
		QueryID:              e.QueryID,
		UserID:               e.UserID,
		Engine:               e.Engine,
		Status:               string(e.Status),
		RawSQL:               e.RawSQL,
		RenderedSQL:          e.RenderedSQL,
		RowsReturned:         e.RowsReturned,
		RowsFailed:           e.RowsFailed,
		BytesScanned:         e.BytesScanned,
		CostEstimate:         e.CostEstimate,
		ExecutionTimeSeconds: e.ExecutionTimeSeconds,
		ResultPath:           e.ResultPath,
		ErrorMessage:         e.ErrorMessage,
		ExpiresAt:            e.ExpiresAt,
		CanDownload:          e.CanDownload(h.clock.Now()),
		CreatedAt:            e.CreatedAt,
		StartedAt:            e.StartedAt,
		CompletedAt:          e.CompletedAt,
	}
}

// callerID returns the authenticated user. Routes mounted by Mount always
// run behind authentication.
func callerID(r *http.Request) (string, error) {
	p, ok := domain.PrincipalFromContext(r.Context())
	if !ok {
		return "", domain.ErrAccessDenied("no authenticated caller")
	}
	return p.UserID, nil
}

// SubmitExecution handles POST /executions.
func (h *Handler) SubmitExecution(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	out, err := h.svc.Submit(r.Context(), governor.SubmitRequest{
		QueryID:        body.QueryID,
		UserID:         userID,
		SQL:            body.SQL,
		Engine:         body.Engine,
		DryRun:         body.DryRun,
		DownloadFormat: body.DownloadFormat,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := submitResponse{
		Execution:   h.executionToAPI(*out.Execution),
		DownloadURL: out.DownloadURL,
		Warnings:    out.Warnings,
	}
	if out.Result != nil {
		resp.Columns = out.Result.Columns
		resp.Rows = out.Result.Rows
	}
	if out.Validation != nil {
		resp.Validation = &validationJSON{
			Valid:        out.Validation.Valid,
			ErrorMessage: out.Validation.ErrorMessage,
			Warnings:     out.Validation.Warnings,
		}
	}
	status := http.StatusCreated
	if body.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// GetExecution handles GET /executions/{queryId}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.svc.GetExecution(r.Context(), userID, chi.URLParam(r, "queryId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.executionToAPI(*e))
}

// ListExecutions handles GET /executions?max_results=&page_token=.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page := domain.PageRequest{PageToken: r.URL.Query().Get("page_token")}
	if v := r.URL.Query().Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("max_results must be an integer"))
			return
		}
		page.MaxResults = n
	}

	execs, next, err := h.svc.ListExecutions(r.Context(), userID, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := listResponse{Executions: make([]executionJSON, 0, len(execs)), NextPageToken: next}
	for _, e := range execs {
		resp.Executions = append(resp.Executions, h.executionToAPI(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetQuota handles GET /quota.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.svc.QuotaStatus(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DownloadResult handles GET /results/{queryId}/download?format=&token=.
// The token is the only credential.
func (h *Handler) DownloadResult(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryId")
	format := r.URL.Query().Get("format")
	data, err := h.svc.Download(r.Context(), queryID, format, r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", queryID+"."+format))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
