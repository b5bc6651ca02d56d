package api

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(h *Handler, authEnabled bool, token string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Editor instances.
	r.Get("/editors/{id}/commands", h.Commands)
	r.Get("/editors/{id}/state", h.EditorState)
	r.Post("/editors/{id}/load", h.LoadNote)
	r.Post("/editors/{id}/new", h.NewNote)
	r.Post("/editors/{id}/changes", h.ContentChanged)

	// Notes for the list pane.
	r.Get("/notes", h.ListNotes)
	r.Get("/notes/{id}", h.GetNote)
	r.Get("/search", h.Search)

	// Attachments.
	r.Get("/attachments/{hash}", h.Attachment)

	// Application event stream.
	r.Get("/events", h.Events)

	return r
}
