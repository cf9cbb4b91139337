// Package api is the HTTP surface of the realtime service: the websocket
// endpoint, health and metrics, and a small REST API over stored threads.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/gateway"
	"github.com/founditure/realtime/internal/metrics"
	"github.com/founditure/realtime/internal/store"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

type Config struct {
	Logger   zerolog.Logger
	Store    store.MessageStore
	Gateway  *gateway.Gateway
	Verifier auth.Verifier

	// Metrics is optional. When set, requests are counted and /metrics
	// is served from MetricsHandler, or the default registry.
	Metrics        *metrics.Collector
	MetricsHandler http.Handler

	AllowedOrigins []string

	// Checks are probed by /healthz in addition to the store.
	Checks map[string]Checker

	NodeID string
}

// NewRouter mounts the gateway at /ws and the REST API under /v1.
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &handler{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		checks:  cfg.Checks,
		nodeID:  cfg.NodeID,
		logger:  cfg.Logger.With().Str("component", "api").Logger(),
	}

	if cfg.Metrics != nil {
		mh := cfg.MetricsHandler
		if mh == nil {
			mh = promhttp.Handler()
		}
		r.Handle("/metrics", mh)
	}
	r.Get("/healthz", h.health)

	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(cfg.Verifier))

		r.Get("/threads", h.listThreads)
		r.Get("/threads/{peer}/messages", h.listMessages)
		r.Post("/threads/{peer}/read", h.markRead)
		r.Delete("/messages/{id}", h.deleteMessage)
	})

	return r
}
