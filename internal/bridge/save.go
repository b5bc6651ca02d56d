package bridge

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nordahl/raido/internal/apperr"
	"github.com/nordahl/raido/internal/bus"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/preview"
	"github.com/nordahl/raido/internal/session"
	"github.com/nordahl/raido/internal/store"
)

// Empty-document markers produced by the embedded editor for a note the user
// has not typed into yet.
var emptyDocuments = []string{"", "<p></p>", "<p><br></p>", "<p>&nbsp;</p>"}

// handleChange restarts the per-note debounce timer with the latest payload.
// Only the last payload before the timer fires is persisted.
func (b *Bridge) handleChange(st *loopState, edit models.PendingEdit) {
	// Read-only preview mode: forward raw changes, skip persistence.
	if st.observer != nil {
		st.observer(edit)
		return
	}

	if edit.SessionID == "" {
		edit.SessionID = st.sess.ID
	}

	key := edit.NoteID
	if key == "" {
		key = newNoteKey
	}
	st.edits[key] = edit

	if t, ok := st.timers[key]; ok {
		t.Reset(b.cfg.Debounce)
		return
	}
	st.timers[key] = time.AfterFunc(b.cfg.Debounce, func() {
		select {
		case b.fireCh <- key:
		case <-b.stopCh:
		}
	})
}

// handleFire picks up the coalesced payload for key and runs the save.
func (b *Bridge) handleFire(st *loopState, key string) {
	edit, ok := st.edits[key]
	delete(st.edits, key)
	delete(st.timers, key)
	if !ok {
		return
	}
	b.save(st, edit)
}

// save is the orchestrator. Failures are logged and swallowed: autosave
// errors are self-healing because the next keystroke re-sends the full
// content through another debounce cycle.
func (b *Bridge) save(st *loopState, edit models.PendingEdit) {
	// A payload minted under a superseded session must not be saved against
	// its stale note identity. Re-target it at the now-current note; with no
	// active session left it is dropped.
	if edit.SessionID != st.sess.ID {
		if st.sess.Zero() {
			b.logger.Debug("bridge: stale change dropped", slog.String("session_id", edit.SessionID))
			return
		}
		edit.NoteID = st.currentNoteID()
		edit.SessionID = st.sess.ID
	}

	// A new-note session acquires its note id on the first save; payloads
	// the view produced before learning the id still carry an empty one.
	if edit.NoteID == "" {
		edit.NoteID = st.currentNoteID()
	}

	if b.cfg.ReadOnly || st.sess.ReadOnly || (st.note != nil && st.note.ReadOnly) {
		return
	}

	initToken := st.sess.ID

	var rec *models.NoteRecord
	if edit.NoteID != "" {
		var err error
		rec, err = b.store.GetNote(edit.NoteID)
		if errors.Is(err, apperr.ErrNotFound) {
			// The note was deleted out from under the editor.
			b.logger.Info("bridge: note vanished, clearing editor", slog.String("note_id", edit.NoteID))
			b.resetToBlank(st)
			return
		}
		if err != nil {
			b.logger.Error("bridge: save lookup failed", slog.String("note_id", edit.NoteID), slog.String("error", err.Error()))
			return
		}
		if rec.Conflicted {
			// Conflict resolution belongs to the sync module; never save over it.
			b.logger.Debug("bridge: save skipped, note conflicted", slog.String("note_id", edit.NoteID))
			return
		}
	}

	// Invalid content breaks history continuity: the next valid save starts
	// a new undo lineage instead of extending one across an empty document.
	if edit.Content != nil && invalidContent(*edit.Content) {
		st.sess = st.sess.WithHistoryID(session.NewHistoryID(time.Now()))
	}

	update := store.NoteUpdate{NoteID: edit.NoteID}
	if edit.Title != nil {
		update.Title = edit.Title
	}
	locked := rec != nil && rec.Locked
	var newPreview *string
	if edit.Content != nil {
		update.Content = &store.ContentUpdate{Type: edit.ContentType, Data: *edit.Content}
		if !locked {
			p := preview.Prefix(*edit.Content)
			update.Preview = &p
			newPreview = &p
		}
	}
	sid, hid := st.sess.ID, st.sess.HistoryID
	update.SessionID = &sid
	update.HistoryID = &hid

	savedID := edit.NoteID
	if locked {
		if err := b.vaultSave(update, edit); err != nil {
			b.logger.Error("bridge: vault save failed", slog.String("note_id", edit.NoteID), slog.String("error", err.Error()))
			return
		}
	} else {
		id, created, err := b.store.UpsertNote(update)
		if err != nil {
			b.logger.Error("bridge: save failed", slog.String("note_id", edit.NoteID), slog.String("error", err.Error()))
			return
		}
		savedID = id
		if created {
			// The session that produced this content now owns the new note.
			fresh, getErr := b.store.GetNote(id)
			if getErr == nil {
				st.note = fresh
			}
			st.sess.NoteID = id
			b.publish(bus.Event{Type: bus.EventNoteCreated, NoteID: id})
		} else if st.note != nil && st.note.ID == id && edit.Title != nil {
			st.note.Title = *edit.Title
		}
	}

	// Status is a session-scoped indicator: only update it when the session
	// that initiated this save is still the active one.
	if st.sess.ID == initToken {
		b.send(st, CmdSetStatus, statusPayload(time.Now(), "Saved"))
	}

	b.broadcastIfVisible(st, edit.Title, newPreview, savedID)
}

// vaultSave routes a locked note's update through the vault path, sealing the
// new content under the note's existing content block id.
func (b *Bridge) vaultSave(update store.NoteUpdate, edit models.PendingEdit) error {
	var sealed []byte
	if update.Content != nil {
		var err error
		sealed, err = b.vault.Seal([]byte(update.Content.Data))
		if err != nil {
			return err
		}
	}
	// Locked notes expose no preview and keep their content id.
	update.Content = nil
	update.Preview = nil
	return b.store.VaultSave(update, sealed)
}

// broadcastIfVisible decides whether the note list needs a refresh: always
// for the first two saves of a session, afterwards only when the title or the
// preview comparison prefix changed since the cached copies. This bounds
// refresh cost under high-frequency autosave.
func (b *Bridge) broadcastIfVisible(st *loopState, title, prev *string, noteID string) {
	st.saveCount++

	newTitle := st.cachedTitle
	if title != nil {
		newTitle = *title
	}
	newPreview := st.cachedPreview
	if prev != nil {
		newPreview = preview.Truncate(*prev, preview.Length)
	}

	changed := newTitle != st.cachedTitle || newPreview != st.cachedPreview
	st.cachedTitle = newTitle
	st.cachedPreview = newPreview

	if st.saveCount <= 2 || changed {
		b.publish(bus.Event{Type: bus.EventListRefresh, NoteID: noteID})
	}
}

func invalidContent(content string) bool {
	c := strings.TrimSpace(content)
	for _, marker := range emptyDocuments {
		if c == marker {
			return true
		}
	}
	return preview.Text(c) == ""
}

func statusPayload(t time.Time, label string) map[string]any {
	return map[string]any{
		"date": t.Format("Jan 2, 15:04"),
		"text": label,
	}
}
