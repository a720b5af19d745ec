package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acadledger/acadledger/internal/academic"
	"github.com/acadledger/acadledger/internal/bundler"
	"github.com/acadledger/acadledger/internal/observability"
	"github.com/acadledger/acadledger/internal/platform/httpx"
	"github.com/acadledger/acadledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AcademicHandler *academic.Handler
	BundlerHandler  *bundler.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	// Ready reports whether the ledger state is reachable.
	Ready func(ctx context.Context) error
}

// NewRouter constructs the chi.Router with acadledger defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(r.Context()); err != nil {
				params.Logger.Warn("health check failed", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), "ledger state unavailable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.AcademicHandler != nil {
		r.Route("/api", params.AcademicHandler.MountRoutes)
	}
	if params.BundlerHandler != nil {
		r.Route("/bundler", params.BundlerHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, http.StatusText(http.StatusNotFound), "no such route")
	})
	return r
}
