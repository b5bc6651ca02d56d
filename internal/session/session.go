// Package session provides editing-session identity: opaque tokens that tie
// asynchronous work to one continuous editing session of one note.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nordahl/raido/internal/models"
)

// Session identifies one continuous editing session. Sessions are values:
// loading another note produces a new Session, it never mutates the old one.
// Async results carrying a superseded session ID must be dropped or
// re-targeted by the caller.
type Session struct {
	ID        string
	NoteID    string
	HistoryID string
	ReadOnly  bool
}

// New mints a session for the given note, or a blank session when note is nil
// (a not-yet-created note). Reopening the same note yields a distinct token
// because the load time and a random suffix are folded in.
func New(note *models.NoteRecord) Session {
	now := time.Now()
	s := Session{HistoryID: NewHistoryID(now)}
	if note == nil {
		s.ID = uuid.NewString()
		return s
	}
	s.ID = fmt.Sprintf("%s-%d-%s", note.ID, now.UnixMilli(), shortToken())
	s.NoteID = note.ID
	s.ReadOnly = note.ReadOnly
	return s
}

// NewHistoryID derives a history-session token from t. The persistence layer
// groups incremental edits sharing a history token under one undo lineage.
func NewHistoryID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// WithHistoryID returns a copy of s carrying a fresh history token. Used when
// invalid (empty) content is saved, so the next real save starts a new
// history lineage instead of extending one that was interrupted.
func (s Session) WithHistoryID(id string) Session {
	s.HistoryID = id
	return s
}

// Zero reports whether s is the zero session (no active editing session).
func (s Session) Zero() bool {
	return s.ID == ""
}

func shortToken() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
