/*
server.go - HTTP router and middleware configuration

ROUTER: chi
  Context-based, RESTful route patterns, standard middleware stack.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

/metrics exposes Prometheus counters (audit failures, request metrics).
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/deals", func(r chi.Router) {
			r.Post("/", h.CreateDeal)
			r.Get("/{id}", h.GetDeal)
			r.Post("/{id}/open", h.OpenDeal)
			r.Get("/{id}/offers", h.ListDealOffers)
			r.Post("/{id}/offers", h.SubmitOffer)
		})

		r.Route("/offers", func(r chi.Router) {
			r.Get("/{id}", h.GetOffer)
			r.Post("/{id}/decision", h.DecideOffer)
			r.Post("/{id}/reservations", h.CreateReservation)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/pay", h.PayReservation)
			r.Post("/{id}/ship", h.MarkShipped)
			r.Post("/{id}/deliver", h.MarkDelivered)
			r.Post("/{id}/confirm-arrival", h.ConfirmArrival)
			r.Post("/{id}/refund", h.ExecuteRefund)
			r.Post("/{id}/refund/preview", h.PreviewRefund)
		})

		r.Get("/points/{type}/{id}", h.GetPointBalance)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/calendar", h.GetCalendar)
			r.Post("/calendar/reload", h.ReloadCalendar)
		})
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
