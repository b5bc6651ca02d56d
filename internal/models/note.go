// Package models defines the domain types for Raido.
package models

import "time"

// NoteRecord is the canonical persisted note.
type NoteRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ContentID   string    `json:"content_id,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	// Content carries the note body inline only when the note is locked;
	// unlocked content is fetched separately by content id.
	Content    string    `json:"content,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Locked     bool      `json:"locked"`
	Conflicted bool      `json:"conflicted"`
	ReadOnly   bool      `json:"read_only"`
	SessionID  string    `json:"session_id,omitempty"`
	HistoryID  string    `json:"history_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NoteListItem is a lightweight representation returned by list operations.
type NoteListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview,omitempty"`
	Tags      []string  `json:"tags"`
	Locked    bool      `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingEdit is one coalesced batch of editor changes waiting to be saved.
// It only carries the fields the editor actually touched; absent fields must
// never overwrite persisted state.
type PendingEdit struct {
	NoteID      string  `json:"note_id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Content     *string `json:"content,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	SessionID   string  `json:"session_id"`
}

// Attachment describes a file referenced by a note. Downloaded flips once the
// file has materialized in the media directory.
type Attachment struct {
	Hash       string `json:"hash"`
	NoteID     string `json:"note_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	Downloaded bool   `json:"downloaded"`
}

// AppStateSnapshot is the persisted "last app state" blob written by the
// client on suspend and consumed exactly once on cold start.
type AppStateSnapshot struct {
	Editing   bool        `json:"editing"`
	Note      *NoteRecord `json:"note,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
