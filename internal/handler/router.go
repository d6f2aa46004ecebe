package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ndolgushin/starsbuyer/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса автозакупки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/deposit", h.ApplyDeposit)
		r.Get("/{userID}/balance", h.GetBalance)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.adminAuth.Middleware)

		r.Get("/snapshot", h.GetAdminSnapshot)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
