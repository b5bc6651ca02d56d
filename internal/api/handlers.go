package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nordahl/raido/internal/apperr"
	"github.com/nordahl/raido/internal/bridge"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/sse"
	"github.com/nordahl/raido/internal/store"
)

// AttachmentFiles resolves attachment hashes to media file paths.
type AttachmentFiles interface {
	FilePath(hash string) (string, error)
}

// Handler serves the editor and notes endpoints.
type Handler struct {
	registry *bridge.Registry
	store    store.NoteStore
	hub      *sse.Hub
	files    AttachmentFiles
}

// NewHandler creates the API handler.
func NewHandler(registry *bridge.Registry, st store.NoteStore, hub *sse.Hub, files AttachmentFiles) *Handler {
	return &Handler{registry: registry, store: st, hub: hub, files: files}
}

func (h *Handler) editor(w http.ResponseWriter, r *http.Request) (*bridge.Bridge, int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid editor id"))
		return nil, 0, false
	}
	b, ok := h.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("unknown editor"))
		return nil, 0, false
	}
	return b, id, true
}

// Commands handles GET /editors/{id}/commands: the view's command stream.
// Subscribing is the view's ready acknowledgement.
func (h *Handler) Commands(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.editor(w, r)
	if !ok {
		return
	}
	h.hub.ServeStream(w, r, id)
}

// LoadNote handles POST /editors/{id}/load.
func (h *Handler) LoadNote(w http.ResponseWriter, r *http.Request) {
	b, _, ok := h.editor(w, r)
	if !ok {
		return
	}
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NoteID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("note_id is required"))
		return
	}
	if err := b.LoadNote(r.Context(), req.NoteID, req.Forced); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("note not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, h.state(b))
}

// NewNote handles POST /editors/{id}/new.
func (h *Handler) NewNote(w http.ResponseWriter, r *http.Request) {
	b, _, ok := h.editor(w, r)
	if !ok {
		return
	}
	if err := b.NewNote(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, h.state(b))
}

// ContentChanged handles POST /editors/{id}/changes.
func (h *Handler) ContentChanged(w http.ResponseWriter, r *http.Request) {
	b, _, ok := h.editor(w, r)
	if !ok {
		return
	}
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	b.ContentChanged(req.pendingEdit())
	w.WriteHeader(http.StatusAccepted)
}

// EditorState handles GET /editors/{id}/state.
func (h *Handler) EditorState(w http.ResponseWriter, r *http.Request) {
	b, _, ok := h.editor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.state(b))
}

func (h *Handler) state(b *bridge.Bridge) EditorStateResponse {
	s := b.Snapshot()
	return EditorStateResponse{
		State:     s.State.String(),
		SessionID: s.SessionID,
		NoteID:    s.NoteID,
		SaveCount: s.SaveCount,
		Ready:     s.Ready,
	}
}

// ListNotes handles GET /notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	sort := r.URL.Query().Get("sort")

	notes, total, err := h.store.ListNotes(limit, offset, sort)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	if notes == nil {
		notes = []models.NoteListItem{}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total})
}

// GetNote handles GET /notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetNote(id)
	if errors.Is(err, apperr.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("note not found"))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Search handles GET /search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	hits, err := h.store.Search(q, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	results := make([]SearchResult, len(hits))
	for i, hit := range hits {
		results[i] = SearchResult{ID: hit.ID, Title: hit.Title, Snippet: hit.Snippet}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Attachment handles GET /attachments/{hash}.
func (h *Handler) Attachment(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	path, err := h.files.FilePath(hash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// Events handles GET /events: the application event stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeStream(w, r, sse.AppStream)
}
