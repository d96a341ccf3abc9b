// Package registry keeps every compiled module alive for the life of the
// process. Entries are only ever appended.
package registry

import (
	"sync"
	"time"

	"github.com/thiremani/cppjit/engine"
)

type Entry struct {
	Generation uint64 // strictly increasing, starts at 1
	ID         string
	EntryName  string
	Entry      uintptr
	Module     *engine.Module
	Retained   time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string][]int
}

func New() *Registry {
	return &Registry{byID: make(map[string][]int)}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
	})
	return defaultReg
}

// Retain appends e and returns it with its generation assigned.
func (r *Registry) Retain(e Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Generation = uint64(len(r.entries)) + 1
	if e.Retained.IsZero() {
		e.Retained = time.Now()
	}
	r.entries = append(r.entries, e)
	r.byID[e.ID] = append(r.byID[e.ID], len(r.entries)-1)
	return e
}

// All returns a snapshot of every entry in retention order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns the entry with the given generation.
func (r *Registry) Get(gen uint64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if gen == 0 || gen > uint64(len(r.entries)) {
		return Entry{}, false
	}
	return r.entries[gen-1], true
}

// Latest returns the most recent entry retained for id.
func (r *Registry) Latest(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.byID[id]
	if len(idx) == 0 {
		return Entry{}, false
	}
	return r.entries[idx[len(idx)-1]], true
}
