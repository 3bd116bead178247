package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/coingate-gateway/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware шлюза.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics)

	r.Post("/api/webhooks/coingate", h.CoinGateWebhook)

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if h.adminToken != "" {
		auth := custommiddleware.NewAdminAuth(h.adminToken)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Get("/orders/{id}/payments", h.GetOrderPayments)
			r.Get("/webhooks", h.ListWebhookLogs)
			r.Post("/webhooks/{id}/replay", h.ReplayWebhook)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
