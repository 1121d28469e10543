/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. requestLog: One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/analyses/*       Analyses and their workflow steps
  /api/reference/*      Mapping and country imports
  /api/seed             Embedded reference data
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. Put the service behind a proxy that
  authenticates users.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/dioptra/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins defaults to the local frontend dev servers.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.Engine.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/seed", h.Seed)

		r.Route("/reference", func(r chi.Router) {
			r.Post("/mappings", h.ImportMappings)
			r.Post("/countries", h.ImportCountries)
		})

		r.Route("/analyses", func(r chi.Router) {
			r.Get("/", h.ListAnalyses)
			r.Post("/", h.CreateAnalysis)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAnalysis)
				r.Patch("/", h.UpdateAnalysis)
				r.Delete("/", h.DeleteAnalysis)
				r.Post("/clone", h.CloneAnalysis)

				r.Post("/interventions", h.AddIntervention)
				r.Put("/interventions/{iid}", h.UpdateParameters)

				// Load Data
				r.Post("/transactions", h.UploadTransactions)
				r.Get("/transactions/datastore", h.CountDataStore)
				r.Post("/transactions/datastore", h.LoadFromDataStore)
				r.Post("/transactions/resync", h.Resync)
				r.Post("/cost-line-items", h.UploadCostLineItems)

				r.Get("/workflow", h.GetWorkflow)
				r.Post("/steps/{step}/invalidate", h.InvalidateStep)

				// Categorize and Allocate
				r.Post("/categories/confirm", h.ConfirmCategories)
				r.Put("/cost-line-items/{item}/category", h.SetCategory)
				r.Get("/allocations/suggested", h.SuggestedAllocations)
				r.Put("/allocations", h.SaveAllocations)
				r.Post("/allocations/apply-suggested", h.ApplySuggestions)
				r.Get("/supporting-costs/{grant}", h.SupportingCosts)

				r.Post("/other-costs", h.SaveOtherCost)
				r.Delete("/other-costs/{item}", h.DeleteOtherCost)

				r.Post("/insights/calculate", h.CalculateInsights)
				r.Get("/insights", h.GetInsights)

				r.Post("/subcomponents", h.StartSubcomponents)
				r.Post("/subcomponents/confirm", h.ConfirmSubcomponents)
				r.Put("/subcomponents/allocations", h.SaveSubcomponentAllocations)
			})
		})
	})

	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
