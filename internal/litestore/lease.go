package litestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/flowforge/internal/refresh"
	"go.uber.org/zap"
)

// DefaultLeaseTTL bounds how long a crashed holder blocks a scope.
const DefaultLeaseTTL = 2 * time.Minute

// Locker returns a refresh.Locker built on expiring leases. A holder renews
// its lease every ttl/3 until it releases.
func (s *Store) Locker(ttl time.Duration) refresh.Locker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &leaseLocker{s: s, ttl: ttl}
}

type leaseLocker struct {
	s   *Store
	ttl time.Duration
}

func (l *leaseLocker) TryAcquire(ctx context.Context, key string) (refresh.Lock, bool, error) {
	holder := uuid.New().String()
	now := l.s.now()
	res, err := l.s.db.ExecContext(ctx, `
		INSERT INTO refresh_leases (lock_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE refresh_leases.expires_at <= ?`,
		key, holder, toMillis(now.Add(l.ttl)), toMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	lease := &lease{
		s:      l.s,
		key:    key,
		holder: holder,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.heartbeat()
	return lease, true, nil
}

type lease struct {
	s      *Store
	key    string
	holder string
	ttl    time.Duration
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	lost bool
	once sync.Once
}

func (l *lease) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.renew() {
				return
			}
		}
	}
}

func (l *lease) renew() bool {
	res, err := l.s.db.Exec(`
		UPDATE refresh_leases SET expires_at = ?
		WHERE lock_key = ? AND holder = ?`,
		toMillis(l.s.now().Add(l.ttl)), l.key, l.holder)
	if err != nil {
		l.s.logger.Warn("lease renew failed", zap.String("key", l.key), zap.Error(err))
		return true
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.mu.Lock()
		l.lost = true
		l.mu.Unlock()
		l.s.logger.Warn("refresh lease lost", zap.String("key", l.key))
		return false
	}
	return true
}

func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		res, execErr := l.s.db.ExecContext(ctx,
			`DELETE FROM refresh_leases WHERE lock_key = ? AND holder = ?`, l.key, l.holder)
		if execErr != nil {
			err = fmt.Errorf("release lease: %w", execErr)
			return
		}
		n, _ := res.RowsAffected()
		l.mu.Lock()
		lost := l.lost
		l.mu.Unlock()
		if n == 0 || lost {
			err = refresh.ErrLeaseLost
		}
	})
	return err
}
