// Package knowledge resolves origin objects through three tiers: process
// memory, the shared schema cache, and a budgeted single-key origin repair.
package knowledge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fetcher fetches exactly one object from the origin.
type Fetcher interface {
	Get(ctx context.Context, kind schema.Kind, key string) (schemacache.Document, error)
}

type memEntry struct {
	doc     schemacache.Document
	hash    string
	expires time.Time
}

// Provider is the read-through resolver for one kind. Documents it returns
// are shared and must be treated as read-only.
type Provider struct {
	kind    schema.Kind
	cache   *schemacache.Cache
	fetcher Fetcher
	group   singleflight.Group
	logger  *zap.Logger

	mu  sync.RWMutex
	mem map[string]memEntry
}

// NewProvider creates a Provider for kind. fetcher may be nil, in which
// case misses are never repaired.
func NewProvider(kind schema.Kind, cache *schemacache.Cache, fetcher Fetcher, logger *zap.Logger) *Provider {
	return &Provider{
		kind:    kind,
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
		mem:     make(map[string]memEntry),
	}
}

// Kind returns the kind this provider resolves.
func (p *Provider) Kind() schema.Kind { return p.kind }

// Resolve returns the document for key, consulting memory, then the cache,
// then the origin.
func (p *Provider) Resolve(ctx context.Context, key string, tr *Tracker) (schemacache.Document, error) {
	tr.lookup()

	if doc, ok := p.fromMemory(key); ok {
		tr.memoryHit()
		return doc, nil
	}

	entry, err := p.cache.Get(ctx, p.kind, key)
	switch {
	case err == nil:
		p.remember(entry)
		tr.cacheHit()
		return entry.Payload, nil
	case !errors.Is(err, schemacache.ErrNotFound):
		p.logger.Warn("schema cache read failed, falling back to origin",
			zap.String("kind", string(p.kind)), zap.String("key", key), zap.Error(err))
	}

	if p.fetcher == nil {
		return nil, &UnavailableError{Kind: p.kind, Key: key, Err: schemacache.ErrNotFound}
	}
	if !tr.reserve() {
		return nil, &RepairExhaustedError{Kind: p.kind, Key: key, Budget: tr.Budget()}
	}

	// The shared repair outlives any single caller; the origin client bounds
	// it with its own per-call timeout.
	ch := p.group.DoChan(key, func() (any, error) {
		return p.repair(context.WithoutCancel(ctx), key)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &UnavailableError{Kind: p.kind, Key: key, Err: ctx.Err()}
	}
	if res.Err != nil {
		return nil, &UnavailableError{Kind: p.kind, Key: key, Err: res.Err}
	}
	tr.repaired()
	p.logger.Info("schema repaired from origin",
		zap.String("kind", string(p.kind)), zap.String("key", key), zap.Bool("shared", res.Shared))
	return res.Val.(*schemacache.Entry).Payload, nil
}

func (p *Provider) repair(ctx context.Context, key string) (*schemacache.Entry, error) {
	doc, err := p.fetcher.Get(ctx, p.kind, key)
	if err != nil {
		return nil, err
	}
	entry, err := p.cache.Put(ctx, p.kind, key, doc, schemacache.WithVersion(schemacache.VersionOf(doc)))
	if err != nil {
		return nil, err
	}
	p.remember(entry)
	return entry, nil
}

func (p *Provider) fromMemory(key string) (schemacache.Document, bool) {
	p.mu.RLock()
	e, ok := p.mem[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !p.cache.Now().Before(e.expires) {
		p.mu.Lock()
		if cur, ok := p.mem[key]; ok && cur.expires.Equal(e.expires) {
			delete(p.mem, key)
		}
		p.mu.Unlock()
		return nil, false
	}
	return e.doc, true
}

func (p *Provider) remember(e *schemacache.Entry) {
	p.mu.Lock()
	p.mem[e.Key] = memEntry{doc: e.Payload, hash: e.ContentHash, expires: e.FetchedAt.Add(e.TTL)}
	p.mu.Unlock()
}

// MemoryHash returns the content hash the memory entry for key was
// populated from.
func (p *Provider) MemoryHash(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.mem[key]
	return e.hash, ok
}

// MemorySize returns the number of memory entries.
func (p *Provider) MemorySize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.mem)
}

// InvalidateAll clears the memory tier.
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	n := len(p.mem)
	p.mem = make(map[string]memEntry)
	p.mu.Unlock()
	p.logger.Debug("memory tier cleared", zap.String("kind", string(p.kind)), zap.Int("entries", n))
}

// Invalidate drops the given keys from memory.
func (p *Provider) Invalidate(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.mem, k)
	}
}
