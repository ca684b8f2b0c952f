package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Coordinator runs bulk refreshes of the schema cache.
type Coordinator struct {
	cache        *schemacache.Cache
	fetcher      Fetcher
	locker       Locker
	jobs         JobStore
	publisher    events.Publisher
	concurrency  int
	mu           sync.Mutex
	invalidators map[schema.Kind][]Invalidator
	active       map[string]*Job
	logger       *zap.Logger
}

// New creates a Coordinator. concurrency bounds simultaneous origin calls.
func New(cache *schemacache.Cache, fetcher Fetcher, locker Locker, jobs JobStore,
	publisher events.Publisher, concurrency int, logger *zap.Logger) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Coordinator{
		cache:        cache,
		fetcher:      fetcher,
		locker:       locker,
		jobs:         jobs,
		publisher:    publisher,
		concurrency:  concurrency,
		invalidators: make(map[schema.Kind][]Invalidator),
		active:       make(map[string]*Job),
		logger:       logger,
	}
}

// RegisterInvalidator subscribes a memory tier to completed refreshes of kind.
func (c *Coordinator) RegisterInvalidator(kind schema.Kind, inv Invalidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidators[kind] = append(c.invalidators[kind], inv)
}

// Job returns an in-process job by id.
func (c *Coordinator) Job(id string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.active[id]
	return j, ok
}

// Lookup returns a job's summary from this process or the job store. A
// running job's summary has status running.
func (c *Coordinator) Lookup(ctx context.Context, id string) (*Summary, error) {
	if j, ok := c.Job(id); ok {
		if s := j.Summary(); s != nil {
			return s, nil
		}
	}
	return c.jobs.GetJob(ctx, id)
}

// LastFinished returns the newest finished job for this origin, if any.
func (c *Coordinator) LastFinished(ctx context.Context) (*Summary, error) {
	return c.jobs.LastFinished(ctx, c.cache.Origin())
}

// Refresh runs synchronously. onProgress may be nil. Cancelling ctx does
// not stop a run that has started.
func (c *Coordinator) Refresh(ctx context.Context, req Request, onProgress func(Progress)) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	r, contended, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if contended != nil {
		return contended, nil
	}
	if onProgress != nil {
		r.job.onProgress = onProgress
	}
	return r.execute(ctx), nil
}

// Start acquires the scope lock and runs the refresh in the background.
// It never blocks on another holder.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Trigger, error) {
	// A refresh has no mid-flight cancellation; detach from the request.
	ctx = context.WithoutCancel(ctx)
	r, contended, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if contended != nil {
		return &Trigger{JobID: contended.JobID, Status: StatusAlreadyRunning}, nil
	}
	go r.execute(ctx)
	return &Trigger{JobID: r.summary.JobID, Status: StatusStarted}, nil
}

type run struct {
	c       *Coordinator
	lock    Lock
	kinds   []schema.Kind
	force   bool
	summary *Summary
	job     *Job
	start   time.Time
}

func (c *Coordinator) begin(ctx context.Context, req Request) (*run, *Summary, error) {
	for _, k := range req.Kinds {
		if !k.Valid() {
			return nil, nil, fmt.Errorf("unknown kind %q", k)
		}
	}
	kinds := NormalizeKinds(req.Kinds)
	origin := c.cache.Origin()
	scope := Scope(kinds)

	// One lock per kind, taken in sorted order, so overlapping scopes
	// exclude each other without deadlocking.
	var lock kindLocks
	for _, k := range kinds {
		l, ok, err := c.locker.TryAcquire(ctx, LockKey(origin, string(k)))
		if err != nil {
			c.releaseLock(ctx, lock, "")
			return nil, nil, fmt.Errorf("acquire refresh lock for %s: %w", k, err)
		}
		if !ok {
			c.releaseLock(ctx, lock, "")
			id := c.runningJob(ctx, origin, k)
			c.logger.Info("refresh already running",
				zap.String("origin", origin),
				zap.String("scope", scope),
				zap.String("held", string(k)),
				zap.String("job", id))
			return nil, &Summary{JobID: id, Origin: origin, Scope: scope, Kinds: kinds, Force: req.Force, Status: StatusAlreadyRunning}, nil
		}
		lock = append(lock, l)
	}

	start := time.Now()
	summary := &Summary{
		JobID:     uuid.New().String(),
		Origin:    origin,
		Scope:     scope,
		Kinds:     kinds,
		Force:     req.Force,
		Status:    StatusRunning,
		StartedAt: start,
	}
	if err := c.jobs.CreateJob(ctx, summary); err != nil {
		c.releaseLock(ctx, lock, summary.JobID)
		return nil, nil, fmt.Errorf("create refresh job: %w", err)
	}

	job := newJob(summary.JobID)
	c.mu.Lock()
	for id, j := range c.active {
		if j.expired(start) {
			delete(c.active, id)
		}
	}
	c.active[job.ID] = job
	c.mu.Unlock()

	c.logger.Info("refresh started",
		zap.String("job", summary.JobID),
		zap.String("scope", scope),
		zap.Bool("force", req.Force))
	return &run{c: c, lock: lock, kinds: kinds, force: req.Force, summary: summary, job: job, start: start}, nil, nil
}

type target struct {
	kind schema.Kind
	key  string
}

type fetched struct {
	target
	payload schemacache.Document
	status  ItemStatus
}

func (r *run) execute(ctx context.Context) *Summary {
	c := r.c

	var (
		targets   []target
		hashes    = make(map[schema.Kind]map[string]string)
		listedAny bool
	)
	for _, kind := range r.kinds {
		keys, err := r.plan(ctx, kind, hashes)
		if err != nil {
			r.fail(kind, "*", err)
			continue
		}
		listedAny = true
		for _, k := range keys {
			targets = append(targets, target{kind: kind, key: k})
		}
	}
	if !listedAny {
		return r.finish(ctx, StatusFailed, "origin inventory unavailable")
	}

	results := r.fetchAll(ctx, targets, hashes)

	failure := ""
	for _, kind := range r.kinds {
		items, clean := r.itemsFor(kind, targets, results)
		if len(items) == 0 {
			continue
		}
		if r.force && clean {
			if _, err := c.cache.Invalidate(ctx, kind); err != nil {
				failure = err.Error()
				break
			}
		}
		if _, err := c.cache.PutBatch(ctx, kind, items); err != nil {
			failure = err.Error()
			break
		}
		c.invalidateMemory(kind)
	}
	if failure != "" {
		return r.finish(ctx, StatusFailed, failure)
	}
	return r.finish(ctx, StatusCompleted, "")
}

// plan returns the keys to fetch for kind: every listed key when forced,
// otherwise listed keys that are missing or stale.
func (r *run) plan(ctx context.Context, kind schema.Kind, hashes map[schema.Kind]map[string]string) ([]string, error) {
	c := r.c
	listed, err := c.fetcher.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	h, err := c.cache.Hashes(ctx, kind)
	if err != nil {
		return nil, err
	}
	hashes[kind] = h
	if r.force {
		return listed, nil
	}

	stale, err := c.cache.StaleKeys(ctx, kind)
	if err != nil {
		return nil, err
	}
	isStale := make(map[string]bool, len(stale))
	for _, k := range stale {
		isStale[k] = true
	}
	var keys []string
	for _, k := range listed {
		if _, cached := h[k]; !cached || isStale[k] {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (r *run) fetchAll(ctx context.Context, targets []target, hashes map[schema.Kind]map[string]string) []*fetched {
	c := r.c
	results := make([]*fetched, len(targets))
	total := len(targets)

	var (
		mu        sync.Mutex
		completed int
	)
	report := func(t target, status ItemStatus, errMsg string) {
		mu.Lock()
		completed++
		p := Progress{
			JobID:   r.summary.JobID,
			Kind:    t.kind,
			TypeKey: t.key,
			Status:  status,
			Index:   completed,
			Total:   total,
			Error:   errMsg,
		}
		switch status {
		case ItemUpdated:
			r.summary.Updated++
		case ItemSkipped:
			r.summary.Skipped++
		case ItemError:
			r.summary.Errors++
			r.summary.ErrorDetails = append(r.summary.ErrorDetails, ItemFailure{Kind: t.kind, TypeKey: t.key, Error: errMsg})
		}
		// Emitted under the lock so index order matches delivery order.
		r.emit(ctx, p)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			doc, err := c.fetcher.Get(ctx, t.kind, t.key)
			if err != nil {
				report(t, ItemError, err.Error())
				return nil
			}
			if t.kind == schema.KindCredential {
				if bad := schema.DisallowedCredentialFields(doc); len(bad) > 0 {
					err := &schemacache.CredentialSafetyViolation{Key: t.key, Fields: bad}
					report(t, ItemError, err.Error())
					return nil
				}
			}
			status := ItemUpdated
			if hash, err := schemacache.ContentHash(doc); err == nil && hash == hashes[t.kind][t.key] {
				status = ItemSkipped
			}
			results[i] = &fetched{target: t, payload: doc, status: status}
			report(t, status, "")
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// itemsFor collects the write set for kind. clean is false when any item of
// the kind failed.
func (r *run) itemsFor(kind schema.Kind, targets []target, results []*fetched) ([]schemacache.Item, bool) {
	var items []schemacache.Item
	clean := true
	for i, t := range targets {
		if t.kind != kind {
			continue
		}
		res := results[i]
		if res == nil {
			clean = false
			continue
		}
		items = append(items, schemacache.Item{
			Key:     res.key,
			Payload: res.payload,
			Version: schemacache.VersionOf(res.payload),
		})
	}
	return items, clean
}

func (r *run) fail(kind schema.Kind, key string, err error) {
	r.summary.Errors++
	r.summary.ErrorDetails = append(r.summary.ErrorDetails, ItemFailure{Kind: kind, TypeKey: key, Error: err.Error()})
	r.c.logger.Warn("refresh kind failed", zap.String("kind", string(kind)), zap.Error(err))
}

func (r *run) emit(ctx context.Context, p Progress) {
	r.job.append(p)
	if err := r.c.publisher.Publish(ctx, &events.Event{
		Type:    events.TypeRefreshProgress,
		Origin:  r.summary.Origin,
		Subject: r.summary.JobID,
		Data:    p,
	}); err != nil {
		r.c.logger.Debug("publish progress failed", zap.Error(err))
	}
}

func (r *run) finish(ctx context.Context, status Status, failure string) *Summary {
	c := r.c
	now := time.Now()
	r.summary.Status = status
	r.summary.Failure = failure
	r.summary.FinishedAt = &now
	r.summary.DurationMS = now.Sub(r.start).Milliseconds()

	if err := c.jobs.FinishJob(ctx, r.summary); err != nil {
		c.logger.Error("persist refresh job failed", zap.String("job", r.summary.JobID), zap.Error(err))
	}
	if err := c.publisher.Publish(ctx, &events.Event{
		Type:    events.TypeRefreshSummary,
		Origin:  r.summary.Origin,
		Subject: r.summary.JobID,
		Data:    r.summary,
	}); err != nil {
		c.logger.Debug("publish summary failed", zap.Error(err))
	}
	c.releaseLock(ctx, r.lock, r.summary.JobID)
	r.job.complete(r.summary)

	c.logger.Info("refresh finished",
		zap.String("job", r.summary.JobID),
		zap.String("status", string(status)),
		zap.Int("updated", r.summary.Updated),
		zap.Int("skipped", r.summary.Skipped),
		zap.Int("errors", r.summary.Errors),
		zap.Int64("duration_ms", r.summary.DurationMS))
	return r.summary
}

func (c *Coordinator) invalidateMemory(kind schema.Kind) {
	c.mu.Lock()
	invs := append([]Invalidator(nil), c.invalidators[kind]...)
	c.mu.Unlock()
	for _, inv := range invs {
		inv.InvalidateAll()
	}
}

// runningJob names the job holding kind. The holder takes its locks before
// recording the job, so an empty answer is retried briefly.
func (c *Coordinator) runningJob(ctx context.Context, origin string, kind schema.Kind) string {
	for attempt := 1; ; attempt++ {
		id, err := c.jobs.RunningJob(ctx, origin, kind)
		if err != nil {
			c.logger.Warn("lookup running job failed", zap.String("kind", string(kind)), zap.Error(err))
			return ""
		}
		if id != "" || attempt == runningJobAttempts {
			return id
		}
		select {
		case <-time.After(runningJobRetry):
		case <-ctx.Done():
			return ""
		}
	}
}

// kindLocks releases its locks in reverse acquisition order.
type kindLocks []Lock

func (ls kindLocks) Release(ctx context.Context) error {
	var errs []error
	for i := len(ls) - 1; i >= 0; i-- {
		if err := ls[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) releaseLock(ctx context.Context, lock Lock, jobID string) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("release refresh lock", zap.String("job", jobID), zap.Error(err))
	}
}
