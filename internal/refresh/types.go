// Package refresh re-populates the schema cache in bulk. Runs are serialized
// per (origin, scope) across processes and bound their outbound origin calls.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
)

// Status is the lifecycle state of a refresh job.
type Status string

const (
	StatusStarted        Status = "started"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusAlreadyRunning Status = "already_running"
)

// ItemStatus is the outcome of refreshing one type key.
type ItemStatus string

const (
	ItemUpdated ItemStatus = "updated"
	ItemSkipped ItemStatus = "skipped"
	ItemError   ItemStatus = "error"
)

// DefaultConcurrency is the number of simultaneous origin calls per run.
const DefaultConcurrency = 5

// A contender asks the job store this many times for the holder's job id.
const (
	runningJobAttempts = 5
	runningJobRetry    = 20 * time.Millisecond
)

// ErrLeaseLost is returned by Lock.Release when a lease expired before the
// holder released it. Another process may have run concurrently.
var ErrLeaseLost = errors.New("refresh lease lost")

// Request asks for a refresh of the given kinds.
type Request struct {
	Kinds []schema.Kind `json:"kinds"`
	Force bool          `json:"force"`
}

// Trigger is the immediate answer to an asynchronous refresh request.
type Trigger struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
}

// Progress is emitted once per completed item.
type Progress struct {
	JobID   string      `json:"job_id"`
	Kind    schema.Kind `json:"kind"`
	TypeKey string      `json:"type_key"`
	Status  ItemStatus  `json:"status"`
	Index   int         `json:"index"`
	Total   int         `json:"total"`
	Error   string      `json:"error,omitempty"`
}

// ItemFailure records why one item could not be refreshed.
type ItemFailure struct {
	Kind    schema.Kind `json:"kind"`
	TypeKey string      `json:"type_key"`
	Error   string      `json:"error"`
}

// Summary is the terminal record of a refresh run.
type Summary struct {
	JobID        string        `json:"job_id"`
	Origin       string        `json:"origin"`
	Scope        string        `json:"scope"`
	Kinds        []schema.Kind `json:"kinds"`
	Force        bool          `json:"force"`
	Status       Status        `json:"status"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	Errors       int           `json:"errors"`
	ErrorDetails []ItemFailure `json:"error_details,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Failure      string        `json:"failure,omitempty"`
}

// Fetcher is the origin client as seen by refresh.
type Fetcher interface {
	List(ctx context.Context, kind schema.Kind) ([]string, error)
	Get(ctx context.Context, kind schema.Kind, key string) (schemacache.Document, error)
}

// Lock is a held mutual-exclusion lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out non-blocking locks. Acquire must never wait for a
// holder; a held lock yields ok=false.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (lock Lock, ok bool, err error)
}

// JobStore persists job records so any process can name the job holding a
// kind.
type JobStore interface {
	CreateJob(ctx context.Context, s *Summary) error
	FinishJob(ctx context.Context, s *Summary) error
	// RunningJob returns the newest running job whose kinds include kind,
	// or "" when there is none.
	RunningJob(ctx context.Context, origin string, kind schema.Kind) (string, error)
	LastFinished(ctx context.Context, origin string) (*Summary, error)
	// GetJob returns nil, nil for an unknown id.
	GetJob(ctx context.Context, id string) (*Summary, error)
}

// Invalidator drops a process-local memory tier.
type Invalidator interface {
	InvalidateAll()
}

// NormalizeKinds defaults to every kind, dedupes and sorts.
func NormalizeKinds(kinds []schema.Kind) []schema.Kind {
	if len(kinds) == 0 {
		kinds = schema.AllKinds
	}
	seen := make(map[schema.Kind]bool, len(kinds))
	out := make([]schema.Kind, 0, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scope names a normalized kind set.
func Scope(kinds []schema.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// LockKey derives the lock name for one kind of an origin. A run holds the
// key of every kind in its scope.
func LockKey(origin, kind string) string {
	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte{0x00})
	h.Write([]byte(kind))
	return hex.EncodeToString(h.Sum(nil))
}
