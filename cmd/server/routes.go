package main

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/tutor-chat/internal/agent"
	"github.com/ashureev/tutor-chat/internal/api"
	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/ashureev/tutor-chat/internal/identity"
	"github.com/ashureev/tutor-chat/internal/metrics"
	"github.com/ashureev/tutor-chat/internal/middleware"
	"github.com/ashureev/tutor-chat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// server bundles the router with the handlers that own resources.
type server struct {
	router http.Handler
	stream *agent.Handler
}

func (s *server) Close() {
	s.stream.Close()
}

// newServer wires the dev backend routes. Health, heartbeat and metrics are
// public; everything under /api/chat requires a bearer token.
func newServer(cfg *config.Config, repo store.Repository, responder agent.Responder, logger *slog.Logger) *server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewServerMetrics(reg)

	baseHandler := api.NewHandler(repo, m, logger)
	healthHandler := api.NewHealthHandler(baseHandler)
	chatHandler := api.NewChatHandler(baseHandler)
	streamHandler := agent.NewHandler(agent.NewService(responder, logger), cfg, m, logger)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.StaticTokens(cfg.AuthTokens)))
		chatHandler.RegisterRoutes(r)
		streamHandler.RegisterRoutes(r)
	})

	return &server{router: r, stream: streamHandler}
}
