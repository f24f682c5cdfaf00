package maintenance

import (
	"sync"
	"time"
)

// ShardError records an outstanding action failure for one shard. The diff
// engine reads these to avoid hot retry loops; only the executor writes.
type ShardError struct {
	Action   string    `json:"action"`
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// Errors is the per-server accumulator of outstanding shard errors.
type Errors struct {
	mu     sync.RWMutex
	shards map[string]ShardError
}

// NewErrors creates an empty accumulator.
func NewErrors() *Errors {
	return &Errors{shards: make(map[string]ShardError)}
}

// Record notes a failed action for a shard, bumping the failure count if
// the same action keeps failing.
func (e *Errors) Record(shard, action string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.shards[shard]
	if entry.Action == action {
		entry.Count++
	} else {
		entry = ShardError{Action: action, Count: 1}
	}
	entry.Message = err.Error()
	entry.LastSeen = time.Now()
	e.shards[shard] = entry
}

// Lookup returns the outstanding error for a shard, if any.
func (e *Errors) Lookup(shard string) (ShardError, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.shards[shard]
	return entry, ok
}

// Clear removes the outstanding error for a shard, typically after the
// action class finally succeeded.
func (e *Errors) Clear(shard string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.shards, shard)
}

// ExpireBefore drops entries last seen before the cutoff, so a failing
// action class becomes retryable again instead of being suppressed
// forever. Returns the number of entries dropped.
func (e *Errors) ExpireBefore(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for shard, entry := range e.shards {
		if entry.LastSeen.Before(cutoff) {
			delete(e.shards, shard)
			dropped++
		}
	}
	return dropped
}

// Snapshot returns a copy of all outstanding errors.
func (e *Errors) Snapshot() map[string]ShardError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ShardError, len(e.shards))
	for k, v := range e.shards {
		out[k] = v
	}
	return out
}

// Len returns the number of shards with outstanding errors.
func (e *Errors) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.shards)
}
