package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
)

// CacheBackend returns the schema_cache table as a cache backend.
func (s *Store) CacheBackend() schemacache.Backend {
	return &cacheBackend{s: s}
}

type cacheBackend struct {
	s *Store
}

func (b *cacheBackend) Load(ctx context.Context, origin string, kind schema.Kind, key string) (*schemacache.Entry, error) {
	var (
		payload []byte
		ttlSec  int64
	)
	e := &schemacache.Entry{Origin: origin, Kind: kind, Key: key}
	err := b.s.db.QueryRow(ctx, `
		SELECT payload, content_hash, version, fetched_at, ttl_seconds
		FROM schema_cache
		WHERE origin = $1 AND kind = $2 AND type_key = $3`,
		origin, string(kind), key,
	).Scan(&payload, &e.ContentHash, &e.Version, &e.FetchedAt, &ttlSec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemacache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode %s/%s payload: %w", kind, key, err)
	}
	e.TTL = time.Duration(ttlSec) * time.Second
	return e, nil
}

// Upsert writes entries with one multi-row INSERT ... ON CONFLICT. Postgres
// refuses to update the same row twice in one statement, so duplicate keys
// collapse to their last occurrence first.
func (b *cacheBackend) Upsert(ctx context.Context, entries []*schemacache.Entry) error {
	entries = lastPerKey(entries)
	if len(entries) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(entries)*8)
	)
	sb.WriteString(`INSERT INTO schema_cache
		(origin, kind, type_key, payload, content_hash, version, fetched_at, ttl_seconds) VALUES `)
	for i, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s payload: %w", e.Kind, e.Key, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args, e.Origin, string(e.Kind), e.Key, payload, e.ContentHash, e.Version,
			e.FetchedAt, int64(e.TTL/time.Second))
	}
	sb.WriteString(`
		ON CONFLICT (origin, kind, type_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			content_hash = EXCLUDED.content_hash,
			version = EXCLUDED.version,
			fetched_at = EXCLUDED.fetched_at,
			ttl_seconds = EXCLUDED.ttl_seconds`)

	if _, err := b.s.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert schema cache: %w", err)
	}
	return nil
}

func lastPerKey(entries []*schemacache.Entry) []*schemacache.Entry {
	type k struct {
		origin string
		kind   schema.Kind
		key    string
	}
	pos := make(map[k]int, len(entries))
	out := make([]*schemacache.Entry, 0, len(entries))
	for _, e := range entries {
		id := k{e.Origin, e.Kind, e.Key}
		if i, ok := pos[id]; ok {
			out[i] = e
			continue
		}
		pos[id] = len(out)
		out = append(out, e)
	}
	return out
}

func (b *cacheBackend) Keys(ctx context.Context, origin string, kind schema.Kind) ([]schemacache.KeyInfo, error) {
	rows, err := b.s.db.Query(ctx, `
		SELECT type_key, content_hash, fetched_at, ttl_seconds
		FROM schema_cache
		WHERE origin = $1 AND kind = $2
		ORDER BY type_key`, origin, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", kind, err)
	}
	defer rows.Close()

	var out []schemacache.KeyInfo
	for rows.Next() {
		var (
			ki     schemacache.KeyInfo
			ttlSec int64
		)
		if err := rows.Scan(&ki.Key, &ki.ContentHash, &ki.FetchedAt, &ttlSec); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		ki.TTL = time.Duration(ttlSec) * time.Second
		out = append(out, ki)
	}
	return out, rows.Err()
}

func (b *cacheBackend) StaleKeys(ctx context.Context, origin string, kind schema.Kind, now time.Time) ([]string, error) {
	rows, err := b.s.db.Query(ctx, `
		SELECT type_key FROM schema_cache
		WHERE origin = $1 AND kind = $2
		  AND fetched_at + ttl_seconds * INTERVAL '1 second' <= $3
		ORDER BY type_key`, origin, string(kind), now)
	if err != nil {
		return nil, fmt.Errorf("list stale %s keys: %w", kind, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *cacheBackend) Count(ctx context.Context, origin string, kind schema.Kind) (int, error) {
	var n int
	err := b.s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM schema_cache WHERE origin = $1 AND kind = $2`,
		origin, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

func (b *cacheBackend) Delete(ctx context.Context, origin string, kind schema.Kind) (int64, error) {
	tag, err := b.s.db.Exec(ctx,
		`DELETE FROM schema_cache WHERE origin = $1 AND kind = $2`, origin, string(kind))
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", kind, err)
	}
	return tag.RowsAffected(), nil
}
