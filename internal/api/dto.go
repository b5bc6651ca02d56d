package api

import (
	"github.com/nordahl/raido/internal/models"
)

// LoadRequest asks an editor instance to open a note.
type LoadRequest struct {
	NoteID string `json:"note_id"`
	Forced bool   `json:"forced"`
}

// ChangeRequest is one content-change notification from the embedded view.
type ChangeRequest struct {
	NoteID      string  `json:"note_id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Content     *string `json:"content,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	SessionID   string  `json:"session_id"`
}

func (c ChangeRequest) pendingEdit() models.PendingEdit {
	return models.PendingEdit{
		NoteID:      c.NoteID,
		Title:       c.Title,
		Content:     c.Content,
		ContentType: c.ContentType,
		SessionID:   c.SessionID,
	}
}

// EditorStateResponse reports an editor instance's current session.
type EditorStateResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	NoteID    string `json:"note_id,omitempty"`
	SaveCount int    `json:"save_count"`
	Ready     bool   `json:"ready"`
}

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []models.NoteListItem `json:"notes"`
	Total int                   `json:"total"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}
