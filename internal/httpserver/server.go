package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/gatekeep/internal/config"
	"github.com/wisbric/gatekeep/pkg/coordstore"
)

// Server holds the HTTP server dependencies. Domain routes (the gateway's
// ingress surface) are mounted on Router by the caller after NewServer
// returns (spec.md §9: no package-level singletons).
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Coord     coordstore.Store
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with ambient middleware and
// health/ready/metrics endpoints mounted.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, store coordstore.Store, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Coord:     store,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"X-API-Key", "X-Request-Id", "X-Forwarded-For", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Cache", "Age", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the configuration store and the coordination store:
// the gateway cannot authenticate or match a route without the former, nor
// rate-limit/cache/breaker without the latter.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, ErrorEnvelope{Error: "unavailable", Message: "database not ready"})
		return
	}

	if err := s.Coord.Set(ctx, "gatekeep:readyz", "1", 10*time.Second); err != nil {
		s.Logger.Error("readiness check: coordination store ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, ErrorEnvelope{Error: "unavailable", Message: "coordination store not ready"})
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
