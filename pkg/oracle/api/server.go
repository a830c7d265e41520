// Package api exposes the oracle over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phenomenon0/prophetia/pkg/oracle/settlement"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server serves the oracle API. It implements http.Handler.
type Server struct {
	svc    *settlement.Service
	ws     http.Handler
	log    zerolog.Logger
	checks map[string]HealthCheck

	corsOrigins []string
	rps         float64
	burst       int
	timeout     time.Duration

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithWebSocket mounts h at /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

// WithCORSOrigins sets the allowed origins. Empty allows all.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit sets the per-IP request rate. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// WithTimeout sets the per-request timeout of /v1 routes.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithHealthCheck adds a dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// New creates a server for svc.
func New(svc *settlement.Service, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		log:     zerolog.Nop(),
		checks:  make(map[string]HealthCheck),
		rps:     20,
		burst:   40,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "api").Logger()
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog(s.log, s.svc.Metrics()))
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if m := s.svc.Metrics(); m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	if s.ws != nil {
		r.Method(http.MethodGet, "/ws", s.ws)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.rps > 0 {
			r.Use(newIPRateLimiter(s.rps, s.burst).handler)
		}
		r.Use(chimiddleware.Timeout(s.timeout))

		r.Post("/distributions/preview", s.previewDistribution)
		r.Get("/bonus", s.bonus)
		r.Post("/validate", s.validateInputs)

		r.Get("/datasets", s.listDatasets)
		r.Post("/datasets", s.submitDataset)
		r.Get("/datasets/{id}", s.getDataset)
		r.Get("/models", s.listModels)
		r.Post("/models", s.registerModel)
		r.Get("/models/{id}", s.getModel)

		r.Get("/predictions", s.listPredictions)
		r.Post("/predictions", s.placePrediction)
		r.Get("/predictions/{id}", s.getPrediction)
		r.Post("/predictions/{id}/resolve", s.resolvePrediction)

		r.Get("/participants/{address}", s.getParticipant)
		r.Post("/stakes", s.depositStake)
		r.Post("/stakes/{owner}/withdraw", s.withdrawStake)

		r.Get("/pool", s.poolStats)
		r.Post("/pool/deposits", s.depositLiquidity)
		r.Post("/pool/withdrawals/{shareID}", s.withdrawLiquidity)

		r.Get("/stats", s.stats)
		r.Get("/policy", s.policyStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
	return r
}
