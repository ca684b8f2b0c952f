// Package schemacache is the persistent, TTL-gated store for origin schema
// records. It is the cross-process source of truth; every process keeps at
// most a disposable memory copy on top of it.
package schemacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how long any process may serve an entry without
	// seeing a refresh from another process.
	DefaultTTL = 24 * time.Hour
	// DefaultChunkSize is the number of rows written per batch statement.
	DefaultChunkSize = 50

	hashDomain = "flowforge/schema/v1"
)

// ErrNotFound is returned for absent and expired entries alike.
var ErrNotFound = errors.New("schema cache: entry not found")

// ErrCredentialSafety is the sentinel behind every CredentialSafetyViolation.
var ErrCredentialSafety = errors.New("credential safety violation")

// CredentialSafetyViolation rejects a credential write carrying fields
// outside the allow-list.
type CredentialSafetyViolation struct {
	Key    string
	Fields []string
}

func (e *CredentialSafetyViolation) Error() string {
	return fmt.Sprintf("credential %q: disallowed fields [%s]", e.Key, strings.Join(e.Fields, ", "))
}

func (e *CredentialSafetyViolation) Unwrap() error { return ErrCredentialSafety }

// Document is an opaque structured payload.
type Document map[string]any

// Entry is one cached record.
type Entry struct {
	Origin      string        `json:"origin"`
	Kind        schema.Kind   `json:"kind"`
	Key         string        `json:"type_key"`
	Payload     Document      `json:"payload"`
	ContentHash string        `json:"content_hash"`
	Version     string        `json:"version,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether fetched_at + ttl <= now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.FetchedAt.Add(e.TTL))
}

// Item is the input for a single write.
type Item struct {
	Key     string
	Payload Document
	Version string
	TTL     time.Duration
}

// KeyInfo is the metadata of a stored row without its payload.
type KeyInfo struct {
	Key         string
	ContentHash string
	FetchedAt   time.Time
	TTL         time.Duration
}

// Backend persists entries. Implementations provide their own isolation;
// the cache adds no locking of its own.
type Backend interface {
	Load(ctx context.Context, origin string, kind schema.Kind, key string) (*Entry, error)
	// Upsert writes all entries in a single statement. Same key overwrites.
	Upsert(ctx context.Context, entries []*Entry) error
	Keys(ctx context.Context, origin string, kind schema.Kind) ([]KeyInfo, error)
	StaleKeys(ctx context.Context, origin string, kind schema.Kind, now time.Time) ([]string, error)
	Count(ctx context.Context, origin string, kind schema.Kind) (int, error)
	Delete(ctx context.Context, origin string, kind schema.Kind) (int64, error)
}

// Options configures a Cache.
type Options struct {
	Origin     string
	DefaultTTL time.Duration
	ChunkSize  int
	Now        func() time.Time
}

// Cache applies TTL gating, content hashing and the credential allow-list
// on top of a Backend.
type Cache struct {
	backend   Backend
	origin    string
	ttl       time.Duration
	chunkSize int
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a Cache for one origin.
func New(backend Backend, opts Options, logger *zap.Logger) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		backend:   backend,
		origin:    opts.Origin,
		ttl:       opts.DefaultTTL,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		logger:    logger,
	}
}

// Origin returns the origin this cache is keyed by.
func (c *Cache) Origin() string { return c.origin }

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time { return c.now() }

// Get returns a fresh entry or ErrNotFound.
func (c *Cache) Get(ctx context.Context, kind schema.Kind, key string) (*Entry, error) {
	e, err := c.backend.Load(ctx, c.origin, kind, key)
	if err != nil {
		return nil, err
	}
	if e.Expired(c.now()) {
		return nil, ErrNotFound
	}
	return e, nil
}

// PutOption customizes a single Put.
type PutOption func(*Item)

// WithVersion records the origin-reported version.
func WithVersion(v string) PutOption { return func(it *Item) { it.Version = v } }

// WithTTL overrides the default TTL.
func WithTTL(ttl time.Duration) PutOption { return func(it *Item) { it.TTL = ttl } }

// Put validates, hashes and upserts one entry.
func (c *Cache) Put(ctx context.Context, kind schema.Kind, key string, payload Document, opts ...PutOption) (*Entry, error) {
	it := Item{Key: key, Payload: payload}
	for _, o := range opts {
		o(&it)
	}
	e, err := c.prepare(kind, it, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.backend.Upsert(ctx, []*Entry{e}); err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return e, nil
}

// PutBatch validates every item before writing any of them, then writes in
// fixed-size chunks.
func (c *Cache) PutBatch(ctx context.Context, kind schema.Kind, items []Item) ([]*Entry, error) {
	now := c.now()
	entries := make([]*Entry, 0, len(items))
	for _, it := range items {
		e, err := c.prepare(kind, it, now)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	for start := 0; start < len(entries); start += c.chunkSize {
		end := min(start+c.chunkSize, len(entries))
		if err := c.backend.Upsert(ctx, entries[start:end]); err != nil {
			return nil, fmt.Errorf("put batch %s [%d:%d]: %w", kind, start, end, err)
		}
	}
	c.logger.Debug("batch written",
		zap.String("kind", string(kind)),
		zap.Int("entries", len(entries)),
		zap.Int("chunk_size", c.chunkSize))
	return entries, nil
}

func (c *Cache) prepare(kind schema.Kind, it Item, now time.Time) (*Entry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if it.Key == "" {
		return nil, fmt.Errorf("empty %s key", kind)
	}
	if kind == schema.KindCredential {
		if bad := schema.DisallowedCredentialFields(it.Payload); len(bad) > 0 {
			return nil, &CredentialSafetyViolation{Key: it.Key, Fields: bad}
		}
	}
	hash, err := ContentHash(it.Payload)
	if err != nil {
		return nil, fmt.Errorf("hash %s/%s: %w", kind, it.Key, err)
	}
	ttl := it.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	return &Entry{
		Origin:      c.origin,
		Kind:        kind,
		Key:         it.Key,
		Payload:     it.Payload,
		ContentHash: hash,
		Version:     it.Version,
		FetchedAt:   now,
		TTL:         ttl,
	}, nil
}

// Count returns the number of stored entries, fresh or not.
func (c *Cache) Count(ctx context.Context, kind schema.Kind) (int, error) {
	return c.backend.Count(ctx, c.origin, kind)
}

// IsPopulated reports whether at least minCount entries are stored.
func (c *Cache) IsPopulated(ctx context.Context, kind schema.Kind, minCount int) (bool, error) {
	n, err := c.Count(ctx, kind)
	if err != nil {
		return false, err
	}
	return n >= minCount, nil
}

// StaleKeys returns keys whose TTL has lapsed.
func (c *Cache) StaleKeys(ctx context.Context, kind schema.Kind) ([]string, error) {
	return c.backend.StaleKeys(ctx, c.origin, kind, c.now())
}

// MissingKeys returns the subset of known that has no stored entry.
func (c *Cache) MissingKeys(ctx context.Context, kind schema.Kind, known []string) ([]string, error) {
	infos, err := c.backend.Keys(ctx, c.origin, kind)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(infos))
	for _, ki := range infos {
		have[ki.Key] = true
	}
	var missing []string
	for _, k := range known {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Hashes returns the stored content hash per key.
func (c *Cache) Hashes(ctx context.Context, kind schema.Kind) (map[string]string, error) {
	infos, err := c.backend.Keys(ctx, c.origin, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(infos))
	for _, ki := range infos {
		out[ki.Key] = ki.ContentHash
	}
	return out, nil
}

// Invalidate deletes every entry of kind and returns how many were removed.
func (c *Cache) Invalidate(ctx context.Context, kind schema.Kind) (int64, error) {
	n, err := c.backend.Delete(ctx, c.origin, kind)
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", kind, err)
	}
	c.logger.Info("cache scope invalidated", zap.String("kind", string(kind)), zap.Int64("deleted", n))
	return n, nil
}

// Stats summarizes the cache for the stats interface.
type Stats struct {
	Counts      map[schema.Kind]int `json:"counts"`
	Stale       map[schema.Kind]int `json:"stale"`
	StaleCount  int                 `json:"stale_count"`
	LastFetched time.Time           `json:"last_fetched,omitempty"`
}

// Stats collects counts, stale counts and the newest fetch time.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Counts: make(map[schema.Kind]int),
		Stale:  make(map[schema.Kind]int),
	}
	now := c.now()
	for _, kind := range schema.AllKinds {
		infos, err := c.backend.Keys(ctx, c.origin, kind)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", kind, err)
		}
		st.Counts[kind] = len(infos)
		for _, ki := range infos {
			if !now.Before(ki.FetchedAt.Add(ki.TTL)) {
				st.Stale[kind]++
				st.StaleCount++
			}
			if ki.FetchedAt.After(st.LastFetched) {
				st.LastFetched = ki.FetchedAt
			}
		}
	}
	return st, nil
}

// ContentHash returns the domain-separated SHA-256 of the payload's
// canonical JSON encoding. encoding/json sorts map keys, which makes the
// encoding stable for equal documents.
func ContentHash(doc Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decode converts a document into a typed value.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Encode converts a typed value into a document.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// VersionOf extracts the origin-reported version from a payload, if any.
func VersionOf(doc Document) string {
	switch v := doc["version"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}
