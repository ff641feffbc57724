package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts every route. ws and metrics may be nil.
func NewRouter(h *Handler, ws http.Handler, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if ws != nil {
		r.Handle("/ws", ws)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/pairs", h.ListPairs)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Post("/orders/market", h.PlaceMarketOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/settlements/{id}", h.GetSettlement)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminOnly)
			r.Post("/pairs", h.AddPair)
			r.Delete("/pairs", h.RemovePair)
			r.Get("/fees", h.GetFees)
			r.Put("/fees", h.SetFees)
			r.Get("/settlements/pending", h.PendingSettlements)
			r.Post("/settlements/retry", h.RetrySettlements)
		})
	})

	return r
}
