package refresh

import (
	"context"
	"sync"
	"time"
)

// jobRetention is how long a finished job stays watchable in process.
const jobRetention = time.Hour

// Job is the in-process view of a running or recently finished refresh.
type Job struct {
	ID         string
	mu         sync.Mutex
	progress   []Progress
	summary    *Summary
	finishedAt time.Time
	changed    chan struct{}
	onProgress func(Progress)
}

func newJob(id string) *Job {
	return &Job{ID: id, changed: make(chan struct{})}
}

func (j *Job) append(p Progress) {
	j.mu.Lock()
	j.progress = append(j.progress, p)
	cb := j.onProgress
	j.notifyLocked()
	j.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (j *Job) complete(s *Summary) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summary = s
	j.finishedAt = time.Now()
	j.notifyLocked()
}

func (j *Job) notifyLocked() {
	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *Job) snapshot(from int) ([]Progress, *Summary, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var items []Progress
	if from < len(j.progress) {
		items = append(items, j.progress[from:]...)
	}
	return items, j.summary, j.changed
}

// Summary returns the terminal summary, or nil while running.
func (j *Job) Summary() *Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary
}

// Progress returns every progress record emitted so far.
func (j *Job) Progress() []Progress {
	items, _, _ := j.snapshot(0)
	return items
}

// Watch replays the job's progress from the start and follows it until the
// summary is available. Both channels close when the job ends or ctx is done.
func (j *Job) Watch(ctx context.Context) (<-chan Progress, <-chan *Summary) {
	progress := make(chan Progress)
	done := make(chan *Summary, 1)

	go func() {
		defer close(progress)
		defer close(done)
		next := 0
		for {
			items, summary, changed := j.snapshot(next)
			for _, p := range items {
				select {
				case progress <- p:
					next++
				case <-ctx.Done():
					return
				}
			}
			if summary != nil {
				done <- summary
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return progress, done
}

func (j *Job) expired(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary != nil && now.Sub(j.finishedAt) > jobRetention
}
