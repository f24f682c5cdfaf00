package maintenance

import "sync"

// ActionRegistry tracks the in-flight action per shard. At most one action
// may be in flight for a shard at any time; TryStart is the atomic
// insert-if-absent that enforces it.
type ActionRegistry struct {
	mu       sync.RWMutex
	inflight map[string]*ActionDescription
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{inflight: make(map[string]*ActionDescription)}
}

// TryStart registers the action for key unless one is already in flight.
// Returns true when the action took the slot.
func (r *ActionRegistry) TryStart(key string, action *ActionDescription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inflight[key]; exists {
		return false
	}
	r.inflight[key] = action
	return true
}

// Complete releases the slot for key. Called when the action finishes,
// success or failure.
func (r *ActionRegistry) Complete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}

// InFlight returns the action currently holding the slot for key.
func (r *ActionRegistry) InFlight(key string) (*ActionDescription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.inflight[key]
	return a, ok
}

// Len returns the number of in-flight actions.
func (r *ActionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inflight)
}

// Snapshot returns a copy of the current shard -> action mapping.
func (r *ActionRegistry) Snapshot() map[string]*ActionDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ActionDescription, len(r.inflight))
	for k, v := range r.inflight {
		out[k] = v
	}
	return out
}
