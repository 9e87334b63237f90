package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

type HTTPMetrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewHTTPMetrics(registry *prometheus.Registry) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	if registry != nil {
		registry.MustRegister(m.RequestCount, m.RequestDuration)
	}
	return m
}

// Middleware records every request under its route pattern, not its raw path.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.RequestCount.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// Routes mounts the ledger API. Callers add CORS, websocket and metrics
// endpoints on the returned router.
func (h *Handler) Routes(metrics *HTTPMetrics) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if metrics != nil {
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/auth/login", h.Login)
	r.Get("/config", h.GetConfig)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Get("/accounts/{id}", h.GetAccount)
		r.Get("/transfers", h.GetTransfers)

		r.Post("/account/optin", h.OptIn)
		r.Post("/account/closeout", h.CloseOut)
		r.Post("/account/seller", h.BecomeSeller)
		r.Post("/account/premium", h.BecomePremium)
		r.Post("/account/withdraw/income", h.SellerWithdraw)
		r.Post("/account/withdraw/deposit", h.BuyerWithdraw)

		r.Post("/deposits", h.PlaceOrder)
		r.Post("/orders/{buyer}/{orderID}/requests", h.RequestOrderAction)
		r.Post("/orders/{buyer}/{orderID}/take", h.TakeOrder)
		r.Post("/orders/{buyer}/{orderID}/reject", h.RejectOrder)

		r.Route("/oracle", func(r chi.Router) {
			r.Post("/orders/{buyer}", h.SettleOrder)
			r.Post("/cancel", h.CancelOrder)
			r.Post("/complete", h.CompleteOrder)
			r.Delete("/orders/{buyer}/{orderID}", h.PopOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/setup", h.Setup)
			r.Post("/oracle", h.SetOracle)
			r.Put("/fees", h.UpdateFees)
			r.Post("/earnings/withdraw", h.WithdrawEarning)
		})
	})
	return r
}
