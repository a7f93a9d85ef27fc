package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"duck-adhoc/internal/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var (
		quotaExceeded *domain.QuotaExceededError
		badToken      *domain.InvalidDownloadTokenError
		accessDenied  *domain.AccessDeniedError
		notFound      *domain.NotFoundError
		resultGone    *domain.ResultNotFoundError
		unsupported   *domain.UnsupportedFormatError
		timeout       *domain.ExecutionTimeoutError
		engineErr     *domain.EngineExecutionError
		transient     *domain.TransientError
		validation    *domain.ValidationError
		conflict      *domain.ConflictError
		invalidState  *domain.InvalidStateError
	)

	switch {
	case errors.As(err, &quotaExceeded):
		return http.StatusTooManyRequests
	case errors.As(err, &badToken), errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &notFound), errors.As(err, &resultGone):
		return http.StatusNotFound
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &invalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds rounds the wait until resetAt up to whole seconds,
// never below one.
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// writeError renders err. Server-side failures are logged and their detail
// is not sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	body := errorBody{Code: status, Message: err.Error()}

	var quotaExceeded *domain.QuotaExceededError
	if errors.As(err, &quotaExceeded) {
		resetAt := quotaExceeded.ResetAt()
		body.ResetAt = &resetAt
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(resetAt, h.clock.Now())))
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}
