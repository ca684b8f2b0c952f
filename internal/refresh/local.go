package refresh

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
)

// LocalLocker serializes refreshes inside one process. It backs the memory
// cache backend and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return &localLock{l: l, key: key}, true, nil
}

type localLock struct {
	l    *LocalLocker
	key  string
	once sync.Once
}

func (k *localLock) Release(context.Context) error {
	k.once.Do(func() {
		k.l.mu.Lock()
		delete(k.l.held, k.key)
		k.l.mu.Unlock()
	})
	return nil
}

// MemoryJobStore keeps job records in process.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Summary
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Summary)}
}

func (m *MemoryJobStore) CreateJob(_ context.Context, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[s.JobID] = *s
	return nil
}

func (m *MemoryJobStore) FinishJob(_ context.Context, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[s.JobID] = *s
	return nil
}

func (m *MemoryJobStore) RunningJob(_ context.Context, origin string, kind schema.Kind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		id     string
		newest time.Time
	)
	for jid, s := range m.jobs {
		if s.Origin != origin || s.Status != StatusRunning || !slices.Contains(s.Kinds, kind) {
			continue
		}
		if id == "" || s.StartedAt.After(newest) {
			id, newest = jid, s.StartedAt
		}
	}
	return id, nil
}

func (m *MemoryJobStore) GetJob(_ context.Context, id string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryJobStore) LastFinished(_ context.Context, origin string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []Summary
	for _, s := range m.jobs {
		if s.Origin == origin && s.FinishedAt != nil {
			done = append(done, s)
		}
	}
	if len(done) == 0 {
		return nil, nil
	}
	sort.Slice(done, func(i, j int) bool { return done[i].FinishedAt.After(*done[j].FinishedAt) })
	last := done[0]
	return &last, nil
}
