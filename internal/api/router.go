package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/xtrntr/spot-exchange/internal/logging"
)

// RouterOptions tunes the middleware stack
type RouterOptions struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	// OrderRate limits order submissions per user and second; 0 disables it.
	OrderRate  float64
	OrderBurst int
}

// NewRouter mounts every endpoint under /api/v1
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/public", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/token", h.Token)
			r.Get("/instrument", h.ListInstruments)
			r.Get("/orderbook/{ticker}", h.GetOrderBook)
			r.Get("/transactions/{ticker}", h.GetTransactions)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Get("/balance", h.GetBalance)
			if opts.OrderRate > 0 {
				r.With(newUserLimiter(opts.OrderRate, opts.OrderBurst).Middleware).Post("/order", h.PlaceOrder)
			} else {
				r.Post("/order", h.PlaceOrder)
			}
			r.Get("/order", h.ListOrders)
			r.Get("/order/{id}", h.GetOrder)
			r.Delete("/order/{id}", h.CancelOrder)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.AdminOnly)
				r.Delete("/user/{id}", h.DeleteUser)
				r.Post("/instrument", h.AddInstrument)
				r.Delete("/instrument/{ticker}", h.DeleteInstrument)
				r.Post("/balance/deposit", h.Deposit)
				r.Post("/balance/withdraw", h.Withdraw)
			})
		})
	})
	return r
}
