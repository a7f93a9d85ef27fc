package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duck-adhoc/internal/middleware"
)

// RouterConfig holds the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimit          middleware.RateLimitConfig
	Validator          middleware.TokenValidator // nil trusts X-User-ID
	Gatherer           prometheus.Gatherer       // nil hides /metrics
}

// NewRouter assembles the router. ctx bounds background middleware work.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.HeaderUserID, middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderRequestID, "Retry-After", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limit := middleware.RateLimiter(ctx, cfg.RateLimit)
	r.Group(func(r chi.Router) {
		r.Use(limit)
		h.MountDownloads(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Validator))
		r.Use(limit)
		h.Mount(r)
	})
	return r
}
