package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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
		payload        string
		fetched, ttlMS int64
	)
	e := &schemacache.Entry{Origin: origin, Kind: kind, Key: key}
	err := b.s.db.QueryRowContext(ctx, `
		SELECT payload, content_hash, version, fetched_at, ttl_ms
		FROM schema_cache WHERE origin = ? AND kind = ? AND type_key = ?`,
		origin, string(kind), key,
	).Scan(&payload, &e.ContentHash, &e.Version, &fetched, &ttlMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schemacache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("decode %s/%s payload: %w", kind, key, err)
	}
	e.FetchedAt = fromMillis(fetched)
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	return e, nil
}

// Upsert writes all entries in one INSERT statement. SQLite applies a
// repeated key within one statement in order, so the last one wins.
func (b *cacheBackend) Upsert(ctx context.Context, entries []*schemacache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(entries)*8)
	)
	sb.WriteString(`INSERT INTO schema_cache
		(origin, kind, type_key, payload, content_hash, version, fetched_at, ttl_ms) VALUES `)
	for i, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s payload: %w", e.Kind, e.Key, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, e.Origin, string(e.Kind), e.Key, string(payload), e.ContentHash, e.Version,
			toMillis(e.FetchedAt), e.TTL.Milliseconds())
	}
	sb.WriteString(`
		ON CONFLICT (origin, kind, type_key) DO UPDATE SET
			payload = excluded.payload,
			content_hash = excluded.content_hash,
			version = excluded.version,
			fetched_at = excluded.fetched_at,
			ttl_ms = excluded.ttl_ms`)
	if _, err := b.s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert schema cache: %w", err)
	}
	return nil
}

func (b *cacheBackend) Keys(ctx context.Context, origin string, kind schema.Kind) ([]schemacache.KeyInfo, error) {
	rows, err := b.s.db.QueryContext(ctx, `
		SELECT type_key, content_hash, fetched_at, ttl_ms
		FROM schema_cache WHERE origin = ? AND kind = ?
		ORDER BY type_key`, origin, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", kind, err)
	}
	defer rows.Close()

	var out []schemacache.KeyInfo
	for rows.Next() {
		var (
			ki             schemacache.KeyInfo
			fetched, ttlMS int64
		)
		if err := rows.Scan(&ki.Key, &ki.ContentHash, &fetched, &ttlMS); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		ki.FetchedAt = fromMillis(fetched)
		ki.TTL = time.Duration(ttlMS) * time.Millisecond
		out = append(out, ki)
	}
	return out, rows.Err()
}

func (b *cacheBackend) StaleKeys(ctx context.Context, origin string, kind schema.Kind, now time.Time) ([]string, error) {
	rows, err := b.s.db.QueryContext(ctx, `
		SELECT type_key FROM schema_cache
		WHERE origin = ? AND kind = ? AND fetched_at + ttl_ms <= ?
		ORDER BY type_key`, origin, string(kind), toMillis(now))
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
	err := b.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_cache WHERE origin = ? AND kind = ?`,
		origin, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

func (b *cacheBackend) Delete(ctx context.Context, origin string, kind schema.Kind) (int64, error) {
	res, err := b.s.db.ExecContext(ctx,
		`DELETE FROM schema_cache WHERE origin = ? AND kind = ?`, origin, string(kind))
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", kind, err)
	}
	return res.RowsAffected()
}
