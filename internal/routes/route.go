package routes

import (
	"net/http"
	"time"

	"gis-polygon/internal/handlers"
	mdlwr "gis-polygon/internal/middleware"
	"gis-polygon/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Deps is everything the router mounts.
type Deps struct {
	Polygons       *handlers.PolygonHandler
	Health         *handlers.HealthHandler
	Auth           *mdlwr.AuthMiddleware
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(mdlwr.RequestLogger(d.Logger, d.Metrics))
	r.Use(middleware.Recoverer)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", d.Health.Healthz)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/api/polygon", func(r chi.Router) {
		r.Get("/", d.Polygons.ListPolygons)
		r.Get("/export.fgb", d.Polygons.ExportPolygons)
		r.Get("/{id}", d.Polygons.GetPolygon)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.JWTAuth)
			r.Post("/", d.Polygons.CreatePolygon)
			r.Put("/{id}", d.Polygons.UpdatePolygon)
			r.Delete("/{id}", d.Polygons.DeletePolygon)
		})
	})

	return r
}
