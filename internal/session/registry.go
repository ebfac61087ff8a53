package session

import (
	"sync"

	"wabridge/internal/domain"
	"wabridge/internal/observability"
)

// Registry maps connection identifiers to their Records. Concurrent
// GetOrCreate calls for one identifier always observe the same Record.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// GetOrCreate returns the record for id, creating a disconnected one on first
// reference, and marks it active.
func (g *Registry) GetOrCreate(id string) *Record {
	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		rec = &Record{id: id, status: domain.StatusDisconnected}
		g.records[id] = rec
		observability.Sessions.Set(float64(len(g.records)))
	}
	g.mu.Unlock()

	rec.mu.Lock()
	rec.touchLocked()
	rec.mu.Unlock()
	return rec
}

func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	rec, ok := g.records[id]
	g.mu.RUnlock()
	return rec, ok
}

// Remove deletes a record, refusing while it is connected or still owns a
// handle.
func (g *Registry) Remove(id string) bool {
	g.mu.RLock()
	rec, ok := g.records[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != domain.StatusDisconnected || rec.handle != nil {
		return false
	}
	g.removeLocked(rec)
	return true
}

// removeLocked deletes rec from the map; the caller holds rec.mu. The pointer
// identity check keeps a concurrent re-create for the same id intact.
func (g *Registry) removeLocked(rec *Record) {
	g.mu.Lock()
	if cur, ok := g.records[rec.id]; ok && cur == rec {
		delete(g.records, rec.id)
		rec.evicted = true
		observability.Sessions.Set(float64(len(g.records)))
	}
	g.mu.Unlock()
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// All returns the current records for sweep iteration.
func (g *Registry) All() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	return out
}
