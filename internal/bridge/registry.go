package bridge

import "sync"

// Registry maps editor instance ids to their bridges. Multiple simultaneous
// editor instances each get their own bridge and command stream.
type Registry struct {
	mu      sync.RWMutex
	bridges map[int]*Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[int]*Bridge)}
}

// Add registers a bridge under its editor id.
func (r *Registry) Add(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b.cfg.EditorID] = b
}

// Get returns the bridge for an editor id.
func (r *Registry) Get(editorID int) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[editorID]
	return b, ok
}

// CloseAll shuts down every registered bridge.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bridges {
		b.Close()
	}
}
