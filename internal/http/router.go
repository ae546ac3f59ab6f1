package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/http/handlers"
	"github.com/iago/bulkupload-back/internal/http/middleware"
	"github.com/iago/bulkupload-back/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Trace(deps.Logger),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}),
		middleware.RateLimit(middleware.RateLimitConfig{
			RPS:       deps.RateLimitRPS,
			Burst:     deps.RateLimitBurst,
			KeyHeader: middleware.RequestedByHeader,
		}),
		middleware.Auth(deps.AuthToken),
	)

	router.Get("/healthz", deps.API.Health)
	router.Handle("/metrics", metrics.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/bulk/organisations", deps.API.UploadOrganisations)
		r.Get("/jobs/{jobID}", deps.API.JobStatus)
		r.Get("/jobs/{jobID}/items", deps.API.JobItems)
		r.Post("/jobs/{jobID}/reprocess", deps.API.ReprocessJob)
	})

	return router
}
