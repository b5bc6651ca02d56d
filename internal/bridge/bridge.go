// Package bridge implements the editor session synchronization core: it keeps
// an embedded rich-text editor view consistent with the persisted note record
// across load, debounced save, reset, and crash-restore cycles.
//
// Concurrency model: a single event loop (goroutine) per editor instance owns
// all session state. Public methods communicate with the loop through
// channels; there is no shared mutable state and no locks. Stale asynchronous
// work is detected by comparing session tokens, never by cancellation of the
// loop itself.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nordahl/raido/internal/bus"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/session"
	"github.com/nordahl/raido/internal/store"
	"github.com/nordahl/raido/internal/vault"
)

// Editor command types pushed to the embedded view.
const (
	CmdSetSessionID   = "setSessionId"
	CmdSetContent     = "setContent"
	CmdClearContent   = "clearContent"
	CmdSetTags        = "setTags"
	CmdClearTags      = "clearTags"
	CmdSetPlaceholder = "setPlaceholder"
	CmdSetStatus      = "setStatus"
	CmdFocus          = "focus"
)

// State is the load state of the editor instance.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateRestoring
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRestoring:
		return "restoring"
	case StateReady:
		return "ready"
	default:
		return "idle"
	}
}

// newNoteKey is the debounce key for edits to a note that has not been
// persisted yet and therefore has no id.
const newNoteKey = "__new__"

// ErrClosed is returned by blocking calls after the bridge shut down.
var ErrClosed = errors.New("bridge: closed")

// CommandSink delivers outbound editor commands. Every command carries the
// session token it was issued under; the receiving view drops commands whose
// token does not match its active session.
type CommandSink interface {
	Send(editorID int, typ, sessionID string, payload any)
}

// AttachmentOps is the slice of the attachment materializer the bridge needs.
type AttachmentOps interface {
	TriggerAfterLoad(noteID string)
	CancelFileOps(noteID string)
}

// ChangeObserver receives raw content changes instead of the save pipeline
// (read-only preview mode).
type ChangeObserver func(edit models.PendingEdit)

// Config holds per-instance bridge settings.
type Config struct {
	EditorID    int
	Debounce    time.Duration
	ReadOnly    bool
	Placeholder string
}

// Snapshot is a point-in-time view of the loop state, for handlers and tests.
type Snapshot struct {
	State     State
	SessionID string
	HistoryID string
	NoteID    string
	SaveCount int
	Ready     bool
}

type loadReq struct {
	noteID  string
	forced  bool
	restore bool
	done    chan error
}

type queuedCmd struct {
	typ       string
	sessionID string
	payload   any
}

// loopState is owned exclusively by the run goroutine.
type loopState struct {
	state         State
	sess          session.Session
	note          *models.NoteRecord
	saveCount     int
	cachedTitle   string
	cachedPreview string

	ready   bool
	pending []queuedCmd

	observer ChangeObserver

	edits  map[string]models.PendingEdit
	timers map[string]*time.Timer
}

// Bridge is one editor instance's synchronization core.
type Bridge struct {
	cfg    Config
	store  store.NoteStore
	vault  *vault.Vault
	sink   CommandSink
	bus    *bus.Bus
	attach AttachmentOps
	logger *slog.Logger

	loadCh     chan loadReq
	newCh      chan chan struct{}
	changeCh   chan models.PendingEdit
	fireCh     chan string
	attachCh   chan bool
	observerCh chan ChangeObserver
	snapCh     chan chan Snapshot

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// New creates a bridge and starts its event loop.
func New(cfg Config, st store.NoteStore, v *vault.Vault, sink CommandSink, evbus *bus.Bus, att AttachmentOps, logger *slog.Logger) *Bridge {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	b := &Bridge{
		cfg:        cfg,
		store:      st,
		vault:      v,
		sink:       sink,
		bus:        evbus,
		attach:     att,
		logger:     logger,
		loadCh:     make(chan loadReq),
		newCh:      make(chan chan struct{}),
		changeCh:   make(chan models.PendingEdit, 64),
		fireCh:     make(chan string, 16),
		attachCh:   make(chan bool, 8),
		observerCh: make(chan ChangeObserver),
		snapCh:     make(chan chan Snapshot),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer close(b.stopped)

	st := &loopState{
		edits:  make(map[string]models.PendingEdit),
		timers: make(map[string]*time.Timer),
	}

	for {
		select {
		case <-b.stopCh:
			b.stopTimers(st)
			return

		case req := <-b.loadCh:
			req.done <- b.handleLoad(st, req)

		case done := <-b.newCh:
			b.handleNew(st)
			close(done)

		case edit := <-b.changeCh:
			b.handleChange(st, edit)

		case key := <-b.fireCh:
			b.handleFire(st, key)

		case attached := <-b.attachCh:
			b.handleViewAttached(st, attached)

		case fn := <-b.observerCh:
			st.observer = fn

		case resp := <-b.snapCh:
			resp <- Snapshot{
				State:     st.state,
				SessionID: st.sess.ID,
				HistoryID: st.sess.HistoryID,
				NoteID:    st.currentNoteID(),
				SaveCount: st.saveCount,
				Ready:     st.ready,
			}
		}
	}
}

func (st *loopState) currentNoteID() string {
	if st.note != nil {
		return st.note.ID
	}
	return ""
}

// send tags the command with the active session token at send time. Commands
// issued before the view's ready acknowledgement are queued and flushed when
// the view attaches.
func (b *Bridge) send(st *loopState, typ string, payload any) {
	cmd := queuedCmd{typ: typ, sessionID: st.sess.ID, payload: payload}
	if !st.ready {
		st.pending = append(st.pending, cmd)
		return
	}
	b.sink.Send(b.cfg.EditorID, cmd.typ, cmd.sessionID, cmd.payload)
}

func (b *Bridge) handleViewAttached(st *loopState, attached bool) {
	if !attached {
		st.ready = false
		return
	}
	st.ready = true
	for _, cmd := range st.pending {
		b.sink.Send(b.cfg.EditorID, cmd.typ, cmd.sessionID, cmd.payload)
	}
	st.pending = nil
}

func (b *Bridge) publish(ev bus.Event) {
	if b.bus == nil {
		return
	}
	ev.EditorID = b.cfg.EditorID
	b.bus.Publish(ev)
}

// LoadNote opens an existing note in the editor. Opening the note that is
// already loaded is a no-op unless forced.
func (b *Bridge) LoadNote(ctx context.Context, noteID string, forced bool) error {
	return b.load(ctx, loadReq{noteID: noteID, forced: forced, done: make(chan error, 1)})
}

func (b *Bridge) load(ctx context.Context, req loadReq) error {
	if b.closed.Load() {
		return ErrClosed
	}
	select {
	case b.loadCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}
}

// NewNote resets the editor to a blank, focused session.
func (b *Bridge) NewNote(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case b.newCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}
}

// ContentChanged feeds one content-change notification from the view into the
// debounced persistence trigger. Fire and forget.
func (b *Bridge) ContentChanged(edit models.PendingEdit) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- edit:
	case <-b.stopped:
	}
}

// ViewAttached reports the number of command-stream subscribers; the first
// subscriber is the view's ready acknowledgement.
func (b *Bridge) ViewAttached(subscribers int) {
	if b.closed.Load() {
		return
	}
	select {
	case b.attachCh <- subscribers > 0:
	case <-b.stopped:
	}
}

// SetChangeObserver routes raw content changes to fn instead of the save
// pipeline. Pass nil to restore normal persistence.
func (b *Bridge) SetChangeObserver(fn ChangeObserver) {
	if b.closed.Load() {
		return
	}
	select {
	case b.observerCh <- fn:
	case <-b.stopped:
	}
}

// Snapshot returns a point-in-time copy of the loop state.
func (b *Bridge) Snapshot() Snapshot {
	if b.closed.Load() {
		return Snapshot{}
	}
	resp := make(chan Snapshot, 1)
	select {
	case b.snapCh <- resp:
	case <-b.stopped:
		return Snapshot{}
	}
	select {
	case s := <-resp:
		return s
	case <-b.stopped:
		return Snapshot{}
	}
}

// Close stops the event loop. Outstanding debounce timers are abandoned.
func (b *Bridge) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}
