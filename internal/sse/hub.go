// Package sse implements the Server-Sent Events transport between the service
// and embedded editor views: a per-editor stream of editor commands, plus one
// application event stream for the list pane.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/nordahl/raido/internal/bus"
)

// AppStream is the stream id carrying application events (list refresh,
// created notes, overlay toggles). Editor instances use ids >= 1.
const AppStream = 0

// AttachFunc is invoked off the hub loop, in subscription order, whenever the
// subscriber count of an editor command stream changes. The first subscriber
// doubles as the view's "ready" acknowledgement; the last unsubscribe as its
// detach.
type AttachFunc func(editorID, subscribers int)

type subReq struct {
	stream int
	ch     chan []byte
}

type attachNotice struct {
	stream int
	subs   int
}

type frame struct {
	stream  int
	event   string
	payload any
}

// Hub manages SSE client connections and frame delivery.
//
// Concurrency model: a single internal loop (goroutine) owns the client map.
// Public methods communicate with this loop through channels, so no mutexes
// are required.
type Hub struct {
	onAttach AttachFunc

	subscribeCh   chan subReq
	unsubscribeCh chan subReq
	frameCh       chan frame
	countReqCh    chan countReq
	attachCh      chan attachNotice

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

type countReq struct {
	stream int
	resp   chan int
}

// NewHub creates a hub and starts its loop. onAttach may be nil.
func NewHub(onAttach AttachFunc) *Hub {
	h := &Hub{
		onAttach:      onAttach,
		subscribeCh:   make(chan subReq),
		unsubscribeCh: make(chan subReq),
		frameCh:       make(chan frame, 256),
		countReqCh:    make(chan countReq),
		attachCh:      make(chan attachNotice, 64),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go h.run()
	if onAttach != nil {
		go h.dispatchAttach()
	}
	return h
}

// dispatchAttach delivers subscriber-count changes one at a time, in the
// order the hub loop observed them. Readiness transitions must never be
// reordered: a view that subscribed and dropped straight away has to end up
// detached, not stuck ready.
func (h *Hub) dispatchAttach() {
	for {
		select {
		case <-h.stopped:
			return
		case n := <-h.attachCh:
			h.onAttach(n.stream, n.subs)
		}
	}
}

func (h *Hub) run() {
	defer close(h.stopped)

	clients := make(map[int]map[chan []byte]struct{})

	notifyAttach := func(stream int) {
		if h.onAttach == nil || stream == AppStream {
			return
		}
		n := len(clients[stream])
		select {
		case h.attachCh <- attachNotice{stream: stream, subs: n}:
		case <-h.stopCh:
		}
	}

	for {
		select {
		case <-h.stopCh:
			for _, set := range clients {
				for ch := range set {
					close(ch)
				}
			}
			return

		case req := <-h.subscribeCh:
			set := clients[req.stream]
			if set == nil {
				set = make(map[chan []byte]struct{})
				clients[req.stream] = set
			}
			set[req.ch] = struct{}{}
			notifyAttach(req.stream)

		case req := <-h.unsubscribeCh:
			if set, ok := clients[req.stream]; ok {
				if _, ok := set[req.ch]; ok {
					delete(set, req.ch)
					close(req.ch)
					notifyAttach(req.stream)
				}
			}

		case f := <-h.frameCh:
			payload, err := json.Marshal(f.payload)
			if err != nil {
				continue
			}
			raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", f.event, payload))
			for ch := range clients[f.stream] {
				select {
				case ch <- raw:
				default:
					// Client buffer full; skip to avoid blocking hub loop.
				}
			}

		case req := <-h.countReqCh:
			req.resp <- len(clients[req.stream])
		}
	}
}

// Subscribe adds a client to the given stream and returns its channel.
func (h *Hub) Subscribe(stream int) chan []byte {
	ch := make(chan []byte, 64)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case h.subscribeCh <- subReq{stream: stream, ch: ch}:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client from the stream and closes its channel.
func (h *Hub) Unsubscribe(stream int, ch chan []byte) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- subReq{stream: stream, ch: ch}:
	case <-h.stopped:
	}
}

// ClientCount returns the number of subscribers on the stream.
func (h *Hub) ClientCount(stream int) int {
	if h.closed.Load() {
		return 0
	}
	req := countReq{stream: stream, resp: make(chan int, 1)}
	select {
	case h.countReqCh <- req:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-req.resp:
		return n
	case <-h.stopped:
		return 0
	}
}

type commandFrame struct {
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload,omitempty"`
}

// Send delivers an editor command to every view subscribed to the editor's
// stream. Commands carry the session token they were issued under; views
// ignore commands whose token does not match their active session.
func (h *Hub) Send(editorID int, typ, sessionID string, payload any) {
	h.emit(editorID, typ, commandFrame{SessionID: sessionID, Payload: payload})
}

// PublishEvent forwards a bus event onto the application stream.
func (h *Hub) PublishEvent(ev bus.Event) {
	h.emit(AppStream, string(ev.Type), ev)
}

func (h *Hub) emit(stream int, event string, payload any) {
	if h.closed.Load() {
		return
	}
	select {
	case h.frameCh <- frame{stream: stream, event: event, payload: payload}:
	case <-h.stopped:
	}
}

// Close stops the loop and closes all client channels.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// ServeStream streams frames for the given stream id until the client
// disconnects.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, stream int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.Subscribe(stream)
	defer h.Unsubscribe(stream, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
