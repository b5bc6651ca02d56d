package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/nordahl/raido/internal/appstate"
	"github.com/nordahl/raido/internal/bus"
	"github.com/nordahl/raido/internal/preview"
	"github.com/nordahl/raido/internal/session"
)

// handleLoad runs the open-existing-note transition.
func (b *Bridge) handleLoad(st *loopState, req loadReq) error {
	// Idempotent open: same note, not forced, nothing to do.
	if st.note != nil && st.note.ID == req.noteID && !req.forced {
		return nil
	}

	b.publish(bus.Event{Type: bus.EventOverlayShown})
	defer b.publish(bus.Event{Type: bus.EventOverlayHidden})

	prev := st.state
	if req.restore {
		st.state = StateRestoring
	} else {
		st.state = StateLoading
	}

	// Soft reset: pending debounce timers are left running on purpose; when
	// one fires under the superseded session its payload is re-targeted at
	// the then-current note (see save).
	rec, err := b.store.GetNote(req.noteID)
	if err != nil {
		// The current note stays loaded on a failed switch.
		st.state = prev
		return err
	}

	// Switching notes cancels the previous note's in-flight file work.
	if st.note != nil && st.note.ID != rec.ID {
		b.attach.CancelFileOps(st.note.ID)
	}

	content, contentType := rec.Content, rec.ContentType
	if !rec.Locked && content == "" && rec.ContentID != "" {
		content, contentType, err = b.store.GetRawContent(rec.ContentID)
		if err != nil {
			b.logger.Warn("bridge: content fetch failed",
				slog.String("note_id", rec.ID),
				slog.String("error", err.Error()))
			content, contentType = "", ""
		}
	}

	st.sess = session.New(rec)
	st.note = rec
	st.saveCount = 0
	st.cachedTitle = rec.Title
	st.cachedPreview = preview.Truncate(rec.Preview, preview.Length)

	b.send(st, CmdSetSessionID, nil)
	b.send(st, CmdSetContent, map[string]any{
		"content": content,
		"type":    contentType,
		"locked":  rec.Locked,
	})
	if len(rec.Tags) > 0 {
		b.send(st, CmdSetTags, map[string]any{"tags": rec.Tags})
	} else {
		b.send(st, CmdClearTags, nil)
	}
	b.send(st, CmdSetStatus, statusPayload(rec.UpdatedAt, "Saved"))

	st.state = StateReady

	// Image materialization is deliberately decoupled from the load path;
	// the materializer applies its own start delay.
	b.attach.TriggerAfterLoad(rec.ID)
	return nil
}

// handleNew runs the new-note transition.
func (b *Bridge) handleNew(st *loopState) {
	if st.note != nil || !st.sess.Zero() {
		b.resetCurrent(st)
	}

	st.sess = session.New(nil)
	st.note = nil
	st.saveCount = 0
	st.cachedTitle = ""
	st.cachedPreview = ""
	st.state = StateReady

	b.send(st, CmdSetSessionID, nil)
	if b.cfg.Placeholder != "" {
		b.send(st, CmdSetPlaceholder, map[string]any{"text": b.cfg.Placeholder})
	}
	b.send(st, CmdFocus, nil)
}

// resetCurrent tears down the active session: cancels in-flight file work for
// the old note, drops debounce state, and clears the view. The clear commands
// go out under the superseded session token.
func (b *Bridge) resetCurrent(st *loopState) {
	if st.note != nil {
		b.attach.CancelFileOps(st.note.ID)
	}
	b.stopTimers(st)
	b.send(st, CmdClearContent, nil)
	b.send(st, CmdClearTags, nil)
}

// resetToBlank is the missing-note recovery path: the note a save targeted no
// longer exists, so the editor state is cleared and a blank session begins.
func (b *Bridge) resetToBlank(st *loopState) {
	b.resetCurrent(st)
	st.sess = session.New(nil)
	st.note = nil
	st.saveCount = 0
	st.cachedTitle = ""
	st.cachedPreview = ""
	st.state = StateReady
	b.send(st, CmdSetSessionID, nil)
}

func (b *Bridge) stopTimers(st *loopState) {
	for key, t := range st.timers {
		t.Stop()
		delete(st.timers, key)
	}
	for key := range st.edits {
		delete(st.edits, key)
	}
}

// Restore replays a suspended editing session at cold start. The snapshot is
// consumed only when it records an in-progress edit on an unlocked note
// younger than window; otherwise nothing happens.
func (b *Bridge) Restore(states *appstate.Store, window time.Duration) bool {
	snap, ok := states.TakeRecent(window)
	if !ok {
		return false
	}
	req := loadReq{noteID: snap.Note.ID, forced: true, restore: true, done: make(chan error, 1)}
	if err := b.load(context.Background(), req); err != nil {
		b.logger.Warn("bridge: restore failed",
			slog.String("note_id", snap.Note.ID),
			slog.String("error", err.Error()))
		return false
	}
	b.logger.Info("bridge: session restored", slog.String("note_id", snap.Note.ID))
	return true
}
