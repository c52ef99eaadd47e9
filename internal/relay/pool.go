package relay

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Pool is a keyed registry of live connections of one population.
// Mutations are exclusive per key shard; iteration works on a snapshot so no
// lock is held while the caller does network I/O.
type Pool[C comparable] struct {
	conns cmap.ConcurrentMap[string, C]
}

// NewPool creates an empty pool.
func NewPool[C comparable]() *Pool[C] {
	return &Pool[C]{conns: cmap.New[C]()}
}

// Register adds c under id, replacing any previous entry.
func (p *Pool[C]) Register(id string, c C) {
	p.conns.Set(id, c)
}

// Unregister removes id and returns the removed entry.
func (p *Pool[C]) Unregister(id string) (C, bool) {
	return p.conns.Pop(id)
}

// UnregisterIf removes id only while it still maps to c. It reports whether
// this call removed the entry, so concurrent removals of the same connection
// resolve to exactly one winner.
func (p *Pool[C]) UnregisterIf(id string, c C) bool {
	return p.conns.RemoveCb(id, func(_ string, v C, exists bool) bool {
		return exists && v == c
	})
}

// Get returns the entry for id.
func (p *Pool[C]) Get(id string) (C, bool) {
	return p.conns.Get(id)
}

// Count returns the number of registered connections.
func (p *Pool[C]) Count() int {
	return p.conns.Count()
}

// Snapshot returns the connections registered at call time.
func (p *Pool[C]) Snapshot() []C {
	items := p.conns.Items()
	out := make([]C, 0, len(items))
	for _, c := range items {
		out = append(out, c)
	}
	return out
}

// ForEach calls fn for every connection in a snapshot of the pool.
func (p *Pool[C]) ForEach(fn func(id string, c C)) {
	for id, c := range p.conns.Items() {
		fn(id, c)
	}
}
