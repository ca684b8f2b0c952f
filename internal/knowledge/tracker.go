package knowledge

import "sync"

// Unlimited disables the repair budget.
const Unlimited = -1

// DefaultRepairBudget is the number of origin repairs one operation may make.
const DefaultRepairBudget = 10

// Stats counts lookups for one top-level operation.
type Stats struct {
	MemoryHits    int `json:"memory_hits"`
	CacheHits     int `json:"cache_hits"`
	OriginRepairs int `json:"origin_repairs"`
	TotalLookups  int `json:"total_lookups"`
}

// GapRatio is the share of lookups the cache could not answer.
func (s Stats) GapRatio() float64 {
	if s.TotalLookups == 0 {
		return 0
	}
	return float64(s.OriginRepairs) / float64(s.TotalLookups)
}

// Tracker carries the repair budget and counters of one operation, such
// as a single compile. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	budget int
	spent  int
	stats  Stats
}

// NewTracker creates a tracker allowing budget origin repairs, or any
// number with Unlimited.
func NewTracker(budget int) *Tracker {
	return &Tracker{budget: budget}
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Budget returns the configured repair budget.
func (t *Tracker) Budget() int { return t.budget }

// Remaining returns how many repairs are left, or Unlimited.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget < 0 {
		return Unlimited
	}
	return t.budget - t.spent
}

func (t *Tracker) lookup() {
	t.mu.Lock()
	t.stats.TotalLookups++
	t.mu.Unlock()
}

func (t *Tracker) memoryHit() {
	t.mu.Lock()
	t.stats.MemoryHits++
	t.mu.Unlock()
}

func (t *Tracker) cacheHit() {
	t.mu.Lock()
	t.stats.CacheHits++
	t.mu.Unlock()
}

// reserve takes one unit of budget before an origin call.
func (t *Tracker) reserve() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget >= 0 && t.spent >= t.budget {
		return false
	}
	t.spent++
	return true
}

func (t *Tracker) repaired() {
	t.mu.Lock()
	t.stats.OriginRepairs++
	t.mu.Unlock()
}
