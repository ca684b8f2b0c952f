package schemacache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
)

// MemoryBackend keeps rows in process memory. It backs single-process
// development setups and tests; payloads are stored encoded so callers
// never share maps with the backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	rows    map[rowKey]memoryRow
	upserts int
	loads   int
}

type rowKey struct {
	origin string
	kind   schema.Kind
	key    string
}

type memoryRow struct {
	payload     []byte
	contentHash string
	version     string
	fetchedAt   time.Time
	ttl         time.Duration
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[rowKey]memoryRow)}
}

func (b *MemoryBackend) Load(_ context.Context, origin string, kind schema.Kind, key string) (*Entry, error) {
	b.mu.Lock()
	b.loads++
	row, ok := b.rows[rowKey{origin, kind, key}]
	b.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var doc Document
	if err := json.Unmarshal(row.payload, &doc); err != nil {
		return nil, err
	}
	return &Entry{
		Origin:      origin,
		Kind:        kind,
		Key:         key,
		Payload:     doc,
		ContentHash: row.contentHash,
		Version:     row.version,
		FetchedAt:   row.fetchedAt,
		TTL:         row.ttl,
	}, nil
}

func (b *MemoryBackend) Upsert(_ context.Context, entries []*Entry) error {
	encoded := make([]memoryRow, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		encoded[i] = memoryRow{
			payload:     data,
			contentHash: e.ContentHash,
			version:     e.Version,
			fetchedAt:   e.FetchedAt,
			ttl:         e.TTL,
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	for i, e := range entries {
		b.rows[rowKey{e.Origin, e.Kind, e.Key}] = encoded[i]
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, origin string, kind schema.Kind) ([]KeyInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []KeyInfo
	for k, row := range b.rows {
		if k.origin == origin && k.kind == kind {
			out = append(out, KeyInfo{Key: k.key, ContentHash: row.contentHash, FetchedAt: row.fetchedAt, TTL: row.ttl})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *MemoryBackend) StaleKeys(ctx context.Context, origin string, kind schema.Kind, now time.Time) ([]string, error) {
	infos, _ := b.Keys(ctx, origin, kind)
	var stale []string
	for _, ki := range infos {
		if !now.Before(ki.FetchedAt.Add(ki.TTL)) {
			stale = append(stale, ki.Key)
		}
	}
	return stale, nil
}

func (b *MemoryBackend) Count(_ context.Context, origin string, kind schema.Kind) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for k := range b.rows {
		if k.origin == origin && k.kind == kind {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Delete(_ context.Context, origin string, kind schema.Kind) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.rows {
		if k.origin == origin && k.kind == kind {
			delete(b.rows, k)
			n++
		}
	}
	return n, nil
}

// Upserts returns how many write statements were issued.
func (b *MemoryBackend) Upserts() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upserts
}

// Loads returns how many single-entry reads were issued.
func (b *MemoryBackend) Loads() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loads
}
