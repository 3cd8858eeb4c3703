package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetcap/viewer/internal/version"
)

// Pinger is satisfied by any backend the readiness check should verify.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config is the subset of application config the HTTP layer needs.
type Config struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies shared by every mounted handler.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated route group at the root, with the auth chain already mounted
	Logger    *slog.Logger
	ES        Pinger
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// AuthChain mounts the peer/digest authentication middleware stack onto the
// authenticated route group. Implementations live in pkg/httpfront.
type AuthChain func(chi.Router)

// NewServer creates an HTTP server with the global middleware chain,
// health/readiness/metrics endpoints, and an authenticated route group with
// no path prefix, so domain routes keep the paths peers sign and call
// (e.g. /api/sessions/receive). Domain handlers should be mounted on
// APIRouter afterward.
func NewServer(cfg Config, logger *slog.Logger, es Pinger, rdb *redis.Client, metricsReg *prometheus.Registry, authChain AuthChain) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		ES:        es,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	metricsReg.MustRegister(httpRequestDuration)

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Cookie"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)

	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Group(func(r chi.Router) {
		if authChain != nil {
			authChain(r)
		}
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.ES.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: elasticsearch ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "elasticsearch not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	CommitSHA       string  `json:"commit_sha"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Elasticsearch   string  `json:"elasticsearch"`
	ESLatencyMS     float64 `json:"elasticsearch_latency_ms"`
	Redis           string  `json:"redis"`
	RedisLatencyMS  float64 `json:"redis_latency_ms"`
}

// HandleStatus reports backend connectivity and process uptime. Unlike
// /readyz it never fails the request — it always returns 200 with a status
// field describing the degradation.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	esStart := time.Now()
	if err := s.ES.Ping(ctx); err != nil {
		s.Logger.Error("status check: elasticsearch ping failed", "error", err)
		resp.Elasticsearch = "error"
	} else {
		resp.Elasticsearch = "ok"
	}
	resp.ESLatencyMS = msSince(esStart)

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatencyMS = msSince(redisStart)

	if resp.Elasticsearch == "ok" && resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
