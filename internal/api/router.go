/**
 * @description
 * HTTP router for the numbers-service. Wallet, funding and order routes sit behind the
 * bearer-token middleware; provider webhooks and the health check are public.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and the standard middleware stack.
 * - github.com/go-chi/cors: browser access from the frontend.
 */

package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
}

// NewRouter registers every route of the service.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Post("/webhooks/{provider}", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, h.logger))

		r.Get("/account-balance", h.AccountBalance)
		r.Get("/rates/{currency}", h.Rate)

		r.Post("/add-funds/{provider}", h.AddFunds)
		r.Get("/add-funds/status/{reference}", h.PaymentStatus)

		r.Get("/number-price", h.NumberPrice)
		r.Post("/generate-number", h.GenerateNumber)
		r.Get("/number-status/{orderId}", h.NumberStatus)
		r.Post("/extend-number/{orderId}", h.ExtendNumber)
		r.Get("/verification-code/{orderId}", h.VerificationCode)
		r.Post("/request-another-code/{orderId}", h.RequestAnotherCode)
		r.Post("/cancel-number/{orderId}", h.CancelNumber)
	})

	return r
}
