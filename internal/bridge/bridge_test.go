package bridge

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nordahl/raido/internal/bus"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/store"
	"github.com/nordahl/raido/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testDebounce = 60 * time.Millisecond

// settle is long enough for a debounce timer to fire and the save to land.
const settle = 4 * testDebounce

type sentCmd struct {
	EditorID  int
	Type      string
	SessionID string
	Payload   any
}

type fakeSink struct {
	mu   sync.Mutex
	cmds []sentCmd
}

func (f *fakeSink) Send(editorID int, typ, sessionID string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, sentCmd{EditorID: editorID, Type: typ, SessionID: sessionID, Payload: payload})
}

func (f *fakeSink) all() []sentCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCmd, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func (f *fakeSink) count(typ string) int {
	n := 0
	for _, c := range f.all() {
		if c.Type == typ {
			n++
		}
	}
	return n
}

type fakeAttach struct {
	mu        sync.Mutex
	triggered []string
	cancelled []string
}

func (f *fakeAttach) TriggerAfterLoad(noteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, noteID)
}

func (f *fakeAttach) CancelFileOps(noteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, noteID)
}

type testEnv struct {
	bridge *Bridge
	sink   *fakeSink
	attach *fakeAttach
	store  *store.DB
	bus    *bus.Bus
	events chan bus.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.TestStore(t)
	v := testutil.TestVault(t)
	evbus := bus.New()
	t.Cleanup(evbus.Close)
	events := evbus.Subscribe()

	sink := &fakeSink{}
	att := &fakeAttach{}
	b := New(Config{EditorID: 1, Debounce: testDebounce}, db, v, sink, evbus, att, testLogger())
	t.Cleanup(b.Close)

	env := &testEnv{bridge: b, sink: sink, attach: att, store: db, bus: evbus, events: events}
	env.waitReady(t)
	return env
}

func (e *testEnv) waitReady(t *testing.T) {
	t.Helper()
	e.bridge.ViewAttached(1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.bridge.Snapshot().Ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never became ready")
}

// seedNote persists a note with content and returns its id.
func (e *testEnv) seedNote(t *testing.T, title, content string) string {
	t.Helper()
	id, _, err := e.store.UpsertNote(store.NoteUpdate{
		Title:   &title,
		Content: &store.ContentUpdate{Type: "html", Data: content},
	})
	if err != nil {
		t.Fatalf("seed note: %v", err)
	}
	return id
}

func (e *testEnv) drainEvents(typ bus.EventType) int {
	n := 0
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func strp(s string) *string { return &s }

func TestIdempotentOpen(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "First", "<p>hello</p>")

	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap1 := env.bridge.Snapshot()
	before := len(env.sink.all())

	// Second unforced open of the same note: no session re-mint, no traffic.
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap2 := env.bridge.Snapshot()
	if snap2.SessionID != snap1.SessionID {
		t.Errorf("session re-minted on idempotent open: %q -> %q", snap1.SessionID, snap2.SessionID)
	}
	if after := len(env.sink.all()); after != before {
		t.Errorf("command traffic on idempotent open: %d -> %d commands", before, after)
	}

	// Forced open mints a new session.
	if err := env.bridge.LoadNote(context.Background(), id, true); err != nil {
		t.Fatalf("forced reload: %v", err)
	}
	if snap3 := env.bridge.Snapshot(); snap3.SessionID == snap1.SessionID {
		t.Error("forced open did not mint a new session")
	}
}

func TestLoadMissingNote(t *testing.T) {
	env := newTestEnv(t)
	if err := env.bridge.LoadNote(context.Background(), "nope", false); err == nil {
		t.Fatal("expected error loading missing note")
	}
	if snap := env.bridge.Snapshot(); snap.State != StateIdle {
		t.Errorf("state after failed initial load = %v, want idle", snap.State)
	}
}

func TestFailedSwitchKeepsCurrentNote(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Stays", "<p>keep me</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := env.bridge.Snapshot()

	if err := env.bridge.LoadNote(context.Background(), "vanished", false); err == nil {
		t.Fatal("expected error switching to a missing note")
	}

	snap := env.bridge.Snapshot()
	if snap.State != StateReady {
		t.Errorf("state after failed switch = %v, want ready", snap.State)
	}
	if snap.NoteID != id {
		t.Errorf("note after failed switch = %q, want %q", snap.NoteID, id)
	}
	if snap.SessionID != before.SessionID {
		t.Error("failed switch re-minted the session")
	}
}

func TestDebounceCoalescing(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Note", "<p>v0</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID

	// Four rapid changes inside one quiet period: only the last persists.
	payloads := []string{"<p>v1</p>", "<p>v2</p>", "<p>v3</p>", "<p>v4</p>"}
	for _, p := range payloads {
		env.bridge.ContentChanged(models.PendingEdit{
			NoteID: id, Content: strp(p), ContentType: "html", SessionID: sid,
		})
		time.Sleep(testDebounce / 4)
	}
	time.Sleep(settle)

	if n := env.sink.count(CmdSetStatus); n != 2 { // 1 from load, 1 from the save
		t.Errorf("status updates = %d, want 2 (exactly one save)", n)
	}
	rec, err := env.store.GetNote(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _, err := env.store.GetRawContent(rec.ContentID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if data != "<p>v4</p>" {
		t.Errorf("persisted content = %q, want the last payload", data)
	}
}

func TestStaleSessionRetargets(t *testing.T) {
	env := newTestEnv(t)
	first := env.seedNote(t, "First", "<p>one</p>")
	second := env.seedNote(t, "Second", "<p>two</p>")

	if err := env.bridge.LoadNote(context.Background(), first, false); err != nil {
		t.Fatalf("load first: %v", err)
	}
	staleSID := env.bridge.Snapshot().SessionID

	// Change arrives under session A, then the user switches notes before
	// the debounce window closes.
	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: first, Content: strp("<p>typed</p>"), ContentType: "html", SessionID: staleSID,
	})
	if err := env.bridge.LoadNote(context.Background(), second, false); err != nil {
		t.Fatalf("load second: %v", err)
	}
	time.Sleep(settle)

	// The payload must have been re-targeted at the now-current note.
	firstRec, _ := env.store.GetNote(first)
	firstData, _, _ := env.store.GetRawContent(firstRec.ContentID)
	if firstData != "<p>one</p>" {
		t.Errorf("stale save cross-wrote into first note: %q", firstData)
	}
	secondRec, _ := env.store.GetNote(second)
	secondData, _, _ := env.store.GetRawContent(secondRec.ContentID)
	if secondData != "<p>typed</p>" {
		t.Errorf("re-targeted content = %q, want %q", secondData, "<p>typed</p>")
	}

	// No status command may carry the superseded session token for the save.
	statusCount := 0
	for _, c := range env.sink.all() {
		if c.Type == CmdSetStatus && c.SessionID == staleSID && statusCount > 0 {
			t.Errorf("status updated under stale session %q", staleSID)
		}
		if c.Type == CmdSetStatus {
			statusCount++
		}
	}
}

func TestStaleChangeDroppedWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Note", "<p>keep</p>")

	// No session is active; a change tagged with a ghost session must not
	// create or modify anything.
	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p>ghost</p>"), ContentType: "html", SessionID: "ghost-session",
	})
	time.Sleep(settle)

	rec, _ := env.store.GetNote(id)
	data, _, _ := env.store.GetRawContent(rec.ContentID)
	if data != "<p>keep</p>" {
		t.Errorf("idle bridge persisted a stale change: %q", data)
	}
}

func TestInvalidContentResetsHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Note", "<p>start</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID
	hist0 := env.bridge.Snapshot().HistoryID

	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p></p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)
	hist1 := env.bridge.Snapshot().HistoryID
	if hist1 == hist0 {
		t.Fatal("empty save did not mint a new history token")
	}

	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p>real</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)
	if hist2 := env.bridge.Snapshot().HistoryID; hist2 != hist1 {
		t.Errorf("valid save re-minted history: %q -> %q", hist1, hist2)
	}

	rec, _ := env.store.GetNote(id)
	if rec.HistoryID != hist1 {
		t.Errorf("persisted history = %q, want %q", rec.HistoryID, hist1)
	}
}

func TestLockedNoteVaultRouting(t *testing.T) {
	env := newTestEnv(t)
	v := testutil.TestVault(t)
	id := env.seedNote(t, "Secret", "<p>plain</p>")

	sealed, err := v.Seal([]byte("<p>plain</p>"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := env.store.SetLocked(id, sealed); err != nil {
		t.Fatalf("lock: %v", err)
	}
	before, _ := env.store.GetNote(id)

	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID
	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p>updated secret</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	after, _ := env.store.GetNote(id)
	if after.ContentID != before.ContentID {
		t.Errorf("vault save allocated a new content id: %q -> %q", before.ContentID, after.ContentID)
	}
	if !after.Locked {
		t.Error("note unlocked by save")
	}
	raw, err := base64.StdEncoding.DecodeString(after.Content)
	if err != nil {
		t.Fatalf("decode sealed: %v", err)
	}
	pt, err := testutil.TestVault(t).Open(raw)
	if err != nil {
		t.Fatalf("open sealed: %v", err)
	}
	if string(pt) != "<p>updated secret</p>" {
		t.Errorf("sealed content = %q", pt)
	}
	if after.Preview != "" {
		t.Errorf("locked note leaked preview: %q", after.Preview)
	}
}

func TestRefreshBroadcastThresholds(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Note", "<p>seed</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID
	env.drainEvents(bus.EventListRefresh)

	change := func(content string) {
		env.bridge.ContentChanged(models.PendingEdit{
			NoteID: id, Content: strp(content), ContentType: "html", SessionID: sid,
		})
		time.Sleep(settle)
	}

	// Saves 1 and 2 always broadcast, even with unchanged preview text.
	change("<p>seed</p>")
	if n := env.drainEvents(bus.EventListRefresh); n != 1 {
		t.Errorf("save 1: refresh events = %d, want 1", n)
	}
	change("<p>seed</p>")
	if n := env.drainEvents(bus.EventListRefresh); n != 1 {
		t.Errorf("save 2: refresh events = %d, want 1", n)
	}

	// Save 3 with identical preview: no broadcast.
	change("<p>seed</p>")
	if n := env.drainEvents(bus.EventListRefresh); n != 0 {
		t.Errorf("save 3 (unchanged): refresh events = %d, want 0", n)
	}

	// Save 4 with changed preview text: broadcast.
	change("<p>different words</p>")
	if n := env.drainEvents(bus.EventListRefresh); n != 1 {
		t.Errorf("save 4 (changed): refresh events = %d, want 1", n)
	}

	// Title-only change on a later save also broadcasts.
	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Title: strp("Renamed"), SessionID: sid,
	})
	time.Sleep(settle)
	if n := env.drainEvents(bus.EventListRefresh); n != 1 {
		t.Errorf("title change: refresh events = %d, want 1", n)
	}
}

func TestNewNoteCreation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.bridge.NewNote(context.Background()); err != nil {
		t.Fatalf("new: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID
	if sid == "" {
		t.Fatal("no session after new note")
	}

	env.bridge.ContentChanged(models.PendingEdit{
		Content: strp("<p>fresh note</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	snap := env.bridge.Snapshot()
	if snap.NoteID == "" {
		t.Fatal("save did not record the newly created note id")
	}
	if n := env.drainEvents(bus.EventNoteCreated); n != 1 {
		t.Errorf("note created events = %d, want 1", n)
	}
	rec, err := env.store.GetNote(snap.NoteID)
	if err != nil {
		t.Fatalf("created note missing: %v", err)
	}
	data, _, _ := env.store.GetRawContent(rec.ContentID)
	if data != "<p>fresh note</p>" {
		t.Errorf("created content = %q", data)
	}

	// The view keeps sending empty note ids under the same session until it
	// learns the assigned one; continued typing must update the created note,
	// not mint another.
	env.bridge.ContentChanged(models.PendingEdit{
		Content: strp("<p>fresh note, continued</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	if n := env.drainEvents(bus.EventNoteCreated); n != 0 {
		t.Errorf("second save of a new note fired %d created events", n)
	}
	if _, total, err := env.store.ListNotes(10, 0, ""); err != nil || total != 1 {
		t.Errorf("notes after continued typing = %d (err %v), want 1", total, err)
	}
	rec, err = env.store.GetNote(snap.NoteID)
	if err != nil {
		t.Fatal(err)
	}
	data, _, _ = env.store.GetRawContent(rec.ContentID)
	if data != "<p>fresh note, continued</p>" {
		t.Errorf("continued content = %q", data)
	}
}

func TestNewNoteResetsCurrent(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Old", "<p>old</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := env.bridge.NewNote(context.Background()); err != nil {
		t.Fatalf("new: %v", err)
	}

	env.attach.mu.Lock()
	cancelled := append([]string(nil), env.attach.cancelled...)
	env.attach.mu.Unlock()
	found := false
	for _, c := range cancelled {
		if c == id {
			found = true
		}
	}
	if !found {
		t.Error("new note did not cancel old note's file operations")
	}
	if env.sink.count(CmdClearContent) == 0 {
		t.Error("new note did not clear content")
	}
	if env.sink.count(CmdFocus) == 0 {
		t.Error("new note did not focus the editor")
	}
	if snap := env.bridge.Snapshot(); snap.NoteID != "" || snap.SaveCount != 0 {
		t.Errorf("state not reset: %+v", snap)
	}
}

func TestConflictedNoteSaveSuppressed(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Note", "<p>synced</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID
	if err := env.store.SetConflicted(id, true); err != nil {
		t.Fatalf("conflict: %v", err)
	}

	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p>local edit</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	rec, _ := env.store.GetNote(id)
	data, _, _ := env.store.GetRawContent(rec.ContentID)
	if data != "<p>synced</p>" {
		t.Errorf("conflicted note was overwritten: %q", data)
	}
}

func TestDeletedNoteClearsEditor(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Doomed", "<p>bye</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID

	// The referenced note disappears before the save fires.
	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: "gone-" + id, Content: strp("<p>x</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	snap := env.bridge.Snapshot()
	if snap.NoteID != "" {
		t.Errorf("editor still points at a note after missing-note save: %q", snap.NoteID)
	}
	if snap.SessionID == sid {
		t.Error("missing-note recovery did not mint a blank session")
	}
}

func TestReadOnlySkipsSave(t *testing.T) {
	db := testutil.TestStore(t)
	evbus := bus.New()
	t.Cleanup(evbus.Close)
	sink := &fakeSink{}
	b := New(Config{EditorID: 1, Debounce: testDebounce, ReadOnly: true}, db, testutil.TestVault(t), sink, evbus, &fakeAttach{}, testLogger())
	t.Cleanup(b.Close)
	b.ViewAttached(1)

	title := "RO"
	id, _, err := db.UpsertNote(store.NoteUpdate{Title: &title, Content: &store.ContentUpdate{Type: "html", Data: "<p>ro</p>"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := b.Snapshot().SessionID
	b.ContentChanged(models.PendingEdit{NoteID: id, Content: strp("<p>edit</p>"), ContentType: "html", SessionID: sid})
	time.Sleep(settle)

	rec, _ := db.GetNote(id)
	data, _, _ := db.GetRawContent(rec.ContentID)
	if data != "<p>ro</p>" {
		t.Errorf("read-only bridge persisted an edit: %q", data)
	}
}

func TestChangeObserverBypassesPersistence(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedNote(t, "Preview", "<p>orig</p>")
	if err := env.bridge.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	sid := env.bridge.Snapshot().SessionID

	var mu sync.Mutex
	var seen []string
	env.bridge.SetChangeObserver(func(edit models.PendingEdit) {
		mu.Lock()
		defer mu.Unlock()
		if edit.Content != nil {
			seen = append(seen, *edit.Content)
		}
	})

	env.bridge.ContentChanged(models.PendingEdit{
		NoteID: id, Content: strp("<p>observed</p>"), ContentType: "html", SessionID: sid,
	})
	time.Sleep(settle)

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "<p>observed</p>" {
		t.Errorf("observer saw %v", got)
	}
	rec, _ := env.store.GetNote(id)
	data, _, _ := env.store.GetRawContent(rec.ContentID)
	if data != "<p>orig</p>" {
		t.Errorf("observer mode persisted content: %q", data)
	}
}

func TestCommandsQueuedUntilViewReady(t *testing.T) {
	db := testutil.TestStore(t)
	evbus := bus.New()
	t.Cleanup(evbus.Close)
	sink := &fakeSink{}
	b := New(Config{EditorID: 1, Debounce: testDebounce}, db, testutil.TestVault(t), sink, evbus, &fakeAttach{}, testLogger())
	t.Cleanup(b.Close)

	title := "Queued"
	id, _, err := db.UpsertNote(store.NoteUpdate{Title: &title, Content: &store.ContentUpdate{Type: "html", Data: "<p>q</p>"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.LoadNote(context.Background(), id, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(sink.all()); n != 0 {
		t.Fatalf("commands sent before view attached: %d", n)
	}

	b.ViewAttached(1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.all()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cmds := sink.all()
	if len(cmds) == 0 {
		t.Fatal("queued commands never flushed")
	}
	if cmds[0].Type != CmdSetSessionID {
		t.Errorf("first flushed command = %q, want %q", cmds[0].Type, CmdSetSessionID)
	}
}

func TestRestoreReplaysRecentSession(t *testing.T) {
	env := newTestEnv(t)
	states := testutil.TestStateStore(t)
	id := env.seedNote(t, "Resumed", "<p>resume me</p>")
	rec, _ := env.store.GetNote(id)

	if err := states.Write(models.AppStateSnapshot{
		Editing:   true,
		Note:      rec,
		Timestamp: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("write state: %v", err)
	}

	if !env.bridge.Restore(states, time.Hour) {
		t.Fatal("fresh snapshot not restored")
	}
	if snap := env.bridge.Snapshot(); snap.NoteID != id {
		t.Errorf("restored note = %q, want %q", snap.NoteID, id)
	}
	// Single use: a second restore finds nothing.
	if env.bridge.Restore(states, time.Hour) {
		t.Error("snapshot restored twice")
	}
}

func TestRestoreIgnoresStaleSnapshot(t *testing.T) {
	env := newTestEnv(t)
	states := testutil.TestStateStore(t)
	id := env.seedNote(t, "Stale", "<p>old</p>")
	rec, _ := env.store.GetNote(id)

	if err := states.Write(models.AppStateSnapshot{
		Editing:   true,
		Note:      rec,
		Timestamp: time.Now().Add(-time.Hour - time.Millisecond),
	}); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if env.bridge.Restore(states, time.Hour) {
		t.Error("stale snapshot restored")
	}
	if snap := env.bridge.Snapshot(); snap.NoteID != "" {
		t.Errorf("stale restore loaded a note: %q", snap.NoteID)
	}
}
