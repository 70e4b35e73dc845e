// Package registry holds the latest known position of every participant in
// the study room.
package registry

import "sync"

// Position is a point in the shared study space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Snapshot is an owned copy of the registry contents, keyed by participant id.
type Snapshot map[string]Position

// Registry maps participant ids to their last reported position. Last write
// wins; there is never more than one entry per id.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]Position
}

func New() *Registry {
	return &Registry{
		positions: make(map[string]Position),
	}
}

// Upsert inserts or replaces the entry for id.
func (r *Registry) Upsert(id string, pos Position) {
	r.mu.Lock()
	r.positions[id] = pos
	r.mu.Unlock()
}

// Remove deletes the entry for id and reports whether one existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.positions[id]; !ok {
		return false
	}
	delete(r.positions, id)
	return true
}

// Apply upserts pos for id and returns the snapshot taken right after the
// write, under the same lock.
func (r *Registry) Apply(id string, pos Position) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions[id] = pos
	return r.copyLocked()
}

// Evict removes id and returns the resulting snapshot. The bool is false, and
// the snapshot nil, when id was not present.
func (r *Registry) Evict(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.positions[id]; !ok {
		return nil, false
	}
	delete(r.positions, id)
	return r.copyLocked(), true
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.copyLocked()
}

func (r *Registry) Get(id string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, ok := r.positions[id]
	return pos, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.positions)
}

func (r *Registry) copyLocked() Snapshot {
	snap := make(Snapshot, len(r.positions))
	for id, pos := range r.positions {
		snap[id] = pos
	}
	return snap
}
