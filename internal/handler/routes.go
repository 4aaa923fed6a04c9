package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(authRL *RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", h.Healthz)

	// The gateway authenticates during the handshake, before the upgrade.
	r.Get("/ws", h.Gateway.HandleWS)

	r.Route("/api", func(r chi.Router) {
		// Public, rate-limited per IP.
		r.Group(func(r chi.Router) {
			r.Use(authRL.Middleware)
			r.Post("/auth/register", h.APIRegister)
			r.Post("/auth/login", h.APILogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)

			r.Post("/auth/logout", h.APILogout)

			r.Get("/users/me", h.APIUserGet)
			r.Put("/users/me", h.APIUserUpdate)
			r.Delete("/users/me", h.APIUserDelete)

			r.Post("/sessions/start", h.APISessionStart)
			r.Get("/sessions/current", h.APISessionCurrent)
			r.Get("/sessions", h.APISessionList)
			r.Put("/sessions/{id}", h.APISessionEnd)
			r.Get("/sessions/{id}/stats", h.APISessionStats)

			r.Post("/upload/presigned", h.APIUploadPresigned)
			r.Post("/upload/confirm", h.APIUploadConfirm)
			r.Get("/upload/status/{id}", h.APIUploadStatus)

			r.Get("/photos/session/{id}", h.APIPhotosBySession)
			r.Get("/photos/stats", h.APIPhotoStats)
			r.Delete("/photos/{id}", h.APIPhotoDelete)
		})
	})

	return r
}
