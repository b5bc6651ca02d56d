// Package bus implements the typed in-process event bus connecting the editor
// bridge, the HTTP surface, and the transport hub.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set. Public methods communicate with this loop through channels,
// so no mutexes are required. Subscribers must Unsubscribe on teardown;
// publishing never blocks on a slow subscriber (its event is dropped).
package bus

import "sync/atomic"

// EventType enumerates bus event kinds.
type EventType string

const (
	// EventLoadNote asks the editor instance EditorID to open NoteID.
	EventLoadNote EventType = "editor.load"
	// EventListRefresh signals that the visible note list is stale.
	EventListRefresh EventType = "notes.refresh"
	// EventNoteCreated announces a freshly persisted note.
	EventNoteCreated EventType = "note.created"
	// EventOverlayShown / EventOverlayHidden toggle the loading overlay.
	EventOverlayShown  EventType = "overlay.shown"
	EventOverlayHidden EventType = "overlay.hidden"
)

// Event is one bus message.
type Event struct {
	Type     EventType `json:"type"`
	EditorID int       `json:"editor_id,omitempty"`
	NoteID   string    `json:"note_id,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// New creates a bus and starts its event loop.
func New() *Bus {
	b := &Bus{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})

	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					// Subscriber buffer full; skip to avoid blocking the loop.
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// Publish fans the event out to all subscribers.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Close stops the loop and closes all subscriber channels.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}
