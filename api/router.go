package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// router builds the API route tree. Reads require a session, mutations
// require admin; both are open when no users are configured.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/commands", s.handleListCommands)
		r.Get("/commands/{id}", s.handleCommandInfo)
		r.Get("/devices/{device}/location", s.handleLocation)

		// SSE stream of result notifications
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnlyMiddleware)

			r.Post("/commands", s.handleSubmit)
			r.Delete("/commands/{id}", s.handleRemove)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/devices/{device}/recover", s.handleDeviceRecover)
			r.Post("/devices/{device}/slots/{slot}/recover", s.handleSlotRecover)
		})
	})

	return r
}
