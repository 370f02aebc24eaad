package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/deposit-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware депозитной кассы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/ping", h.Ping)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)

			r.Route("/{orderID}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/payments", h.RecordPayment)
				r.Patch("/items/{itemID}/cost", h.UpdateItemCost)
				r.Post("/complete", h.CompleteOrder)
				r.Post("/void", h.VoidOrder)
				r.Post("/cancel", h.CancelOrder)
			})
		})

		r.Get("/sales/{saleID}", h.GetSale)

		r.Get("/products", h.ListProducts)
		r.Get("/products/{productID}", h.GetProduct)
		r.Post("/products/{productID}/adjust-stock", h.AdjustStock)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
