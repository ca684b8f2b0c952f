package store

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/flowforge/internal/refresh"
	"go.uber.org/zap"
)

// Locker returns a refresh.Locker backed by session-level advisory locks.
// Each held lock pins one pool connection until released; if the process
// dies, the server drops the lock with the session.
func (s *Store) Locker() refresh.Locker {
	return &advisoryLocker{s: s}
}

type advisoryLocker struct {
	s *Store
}

// advisoryID folds a hex lock key into the int64 keyspace of pg advisory locks.
func advisoryID(key string) (int64, error) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) < 8 {
		return 0, fmt.Errorf("invalid lock key %q", key)
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), nil
}

func (l *advisoryLocker) TryAcquire(ctx context.Context, key string) (refresh.Lock, bool, error) {
	id, err := advisoryID(key)
	if err != nil {
		return nil, false, err
	}
	conn, err := l.s.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	l.s.logger.Debug("advisory lock acquired", zap.String("key", key))
	return &advisoryLock{s: l.s, conn: conn, id: id, key: key}, true, nil
}

type advisoryLock struct {
	s    *Store
	conn *pgxpool.Conn
	id   int64
	key  string
	once sync.Once
}

// Release unlocks and returns the connection to the pool. A connection
// whose unlock fails is closed instead so the session, and the lock with
// it, cannot outlive the run.
func (l *advisoryLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		var released bool
		qerr := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.id).Scan(&released)
		if qerr == nil && released {
			l.conn.Release()
			l.s.logger.Debug("advisory lock released", zap.String("key", l.key))
			return
		}
		raw := l.conn.Hijack()
		_ = raw.Close(ctx)
		if qerr != nil {
			err = fmt.Errorf("advisory unlock: %w", qerr)
		} else {
			err = refresh.ErrLeaseLost
		}
	})
	return err
}
