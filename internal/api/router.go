package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealthCheck)
		r.Get("/email/verify", s.handleVerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyAuth)
			r.Get("/websites", s.handleListWebsites)
			r.Post("/websites", s.handleCreateWebsite)
			r.Get("/websites/{id}/latest", s.handleLatestResult)
			r.Post("/websites/{id}/check", s.handleTriggerCheck)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts/{id}/read", s.handleMarkAlertRead)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
		})
	})

	return r
}
