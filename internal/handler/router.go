package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/quoteflow-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса quoteflow.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/quote/draft", h.SaveDraft)
			r.Get("/quote/draft", h.LoadDraft)

			r.Post("/quote/submit", h.SubmitQuote)
			r.Post("/quote/discount", h.ApplyDiscount)
			r.Get("/quote/active", h.CheckActiveQuote)

			r.Get("/quotes", h.ListQuotes)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
