package changefeed

import (
	"context"
	"sync/atomic"

	cacheimpl "github.com/Code-Hex/go-generics-cache"
)

// Projection is a local read copy of stored records, keyed by id.
// It is fed by change events and by the results of local writes and
// is never used to decide a write.
type Projection[V any] struct {
	ctx     context.Context
	cache   atomic.Pointer[cacheimpl.Cache[string, V]]
	version func(V) int64
}

// NewProjection creates an empty projection. version reports a
// record's version so that stale events do not overwrite newer data.
func NewProjection[V any](ctx context.Context, version func(V) int64) *Projection[V] {
	p := &Projection[V]{ctx: ctx, version: version}
	p.Clear()
	return p
}

func (p *Projection[V]) Get(id string) (V, bool) {
	return p.cache.Load().Get(id)
}

// Insert stores record unless a newer version is already present.
func (p *Projection[V]) Insert(id string, record V) {
	c := p.cache.Load()
	if current, ok := c.Get(id); ok && p.version(current) > p.version(record) {
		return
	}
	c.Set(id, record)
}

// UpdateIfPresent replaces the record only if it is already tracked
// and record is newer. It reports whether the record was replaced.
func (p *Projection[V]) UpdateIfPresent(id string, record V) bool {
	c := p.cache.Load()
	current, ok := c.Get(id)
	if !ok || p.version(current) >= p.version(record) {
		return false
	}
	c.Set(id, record)
	return true
}

func (p *Projection[V]) Remove(id string) {
	p.cache.Load().Delete(id)
}

func (p *Projection[V]) Values() []V {
	c := p.cache.Load()
	keys := c.Keys()
	values := make([]V, 0, len(keys))
	for _, key := range keys {
		if v, ok := c.Get(key); ok {
			values = append(values, v)
		}
	}
	return values
}

func (p *Projection[V]) Len() int {
	return len(p.cache.Load().Keys())
}

// Clear drops every record, for a full refetch.
func (p *Projection[V]) Clear() {
	p.cache.Store(cacheimpl.NewContext[string, V](p.ctx))
}
