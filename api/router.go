package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/store"
)

type Options struct {
	Store    store.Store
	Presence store.PresenceStore // defaults to Store
	Metrics  *metrics.Collector
	Logger   zerolog.Logger

	// AllowedOrigins for CORS; empty allows every origin.
	AllowedOrigins []string

	// WebSocket is mounted on /ws when set.
	WebSocket http.Handler

	// MetricsHandler is served on /metrics; promhttp.Handler when nil.
	MetricsHandler http.Handler

	// HealthChecks are run by /health in addition to the store.
	HealthChecks map[string]HealthCheck
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics(opts.Metrics))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID, HeaderUserName, HeaderUserAvatar},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(opts.Store, opts.Presence, opts.Metrics, opts.Logger)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)
	r.Get("/health", h.Health(opts.HealthChecks))

	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/conversations/{id}/messages", h.PostMessage)
		r.Delete("/conversations/{id}/messages/{messageId}", h.DeleteMessage)
		r.Post("/conversations/{id}/read", h.MarkRead)
		r.Get("/presence/{userId}", h.Presence)
	})

	return r
}
