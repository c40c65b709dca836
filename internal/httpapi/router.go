package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oidcguard/tenant-jwks-verifier/internal/audit"
	"github.com/oidcguard/tenant-jwks-verifier/internal/verifier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Server holds the dependencies HTTP handlers need.
type Server struct {
	Verifier       *verifier.Verifier
	AuditStore     *audit.Store
	OBOCredentials ClientCredentials
	RateLimit      RateLimitInfo
	CORSOrigins    []string
}

// DefaultRateLimit bounds /verify traffic per client IP.
var DefaultRateLimit = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// Routes builds the HTTP router: POST /verify does the real work, /healthz
// and /readyz back a load balancer and Kubernetes probes, /metrics exposes
// the verifier's Prometheus collectors, and /obo demonstrates the
// downstream on-behalf-of adapter this service treats as an external
// collaborator.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(s.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
			ExposedHeaders:   []string{"X-Correlation-ID"},
			AllowCredentials: true,
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.rateLimit()))
		r.Post("/verify", s.Verify)
		r.Get("/obo", s.OnBehalfOf)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

func (s *Server) rateLimit() RateLimitInfo {
	if s.RateLimit == (RateLimitInfo{}) {
		return DefaultRateLimit
	}
	return s.RateLimit
}

// Readyz reports 503 until a Verifier is attached, signalling that the
// initial fail-fast JWKS fetch (and therefore Build) has completed.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if s.Verifier == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
