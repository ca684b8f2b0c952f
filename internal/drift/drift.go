// Package drift compares the cached inventory with the origin and watches
// compile-time repair counts for signs the cache has fallen behind.
package drift

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultCountThreshold  = 5
	DefaultRepairThreshold = 5
)

// Lister returns the origin's current keys for a kind.
type Lister interface {
	List(ctx context.Context, kind schema.Kind) ([]string, error)
}

// Config holds the detection thresholds.
type Config struct {
	// CountThreshold is the largest tolerated |live - cached|.
	CountThreshold int
	// RepairThreshold is the repair count per compile that raises a warning.
	RepairThreshold int
}

// Report is the result of one inventory check.
type Report struct {
	Kind        schema.Kind `json:"kind"`
	Drift       bool        `json:"drift"`
	Delta       int         `json:"delta"`
	LiveCount   int         `json:"live_count"`
	CachedCount int         `json:"cached_count"`
	NewKeys     []string    `json:"new_keys"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// Warning is raised when a single compile needed many origin repairs.
type Warning struct {
	CompileID      string          `json:"compile_id"`
	Stats          knowledge.Stats `json:"stats"`
	GapRatio       float64         `json:"gap_ratio"`
	Threshold      int             `json:"threshold"`
	ObservedAt     time.Time       `json:"observed_at"`
	Recommendation string          `json:"recommendation"`
}

// Detector never refreshes the cache itself; it only reports.
type Detector struct {
	cache     *schemacache.Cache
	lister    Lister
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New creates a Detector.
func New(cache *schemacache.Cache, lister Lister, publisher events.Publisher, cfg Config, logger *zap.Logger) *Detector {
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = DefaultCountThreshold
	}
	if cfg.RepairThreshold <= 0 {
		cfg.RepairThreshold = DefaultRepairThreshold
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Detector{cache: cache, lister: lister, publisher: publisher, cfg: cfg, logger: logger}
}

// Check lists the origin once and compares it with the cached keys.
func (d *Detector) Check(ctx context.Context, kind schema.Kind) (*Report, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	live, err := d.lister.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	cached, err := d.cache.Count(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("count cached %s: %w", kind, err)
	}
	newKeys, err := d.cache.MissingKeys(ctx, kind, live)
	if err != nil {
		return nil, fmt.Errorf("diff %s keys: %w", kind, err)
	}
	sort.Strings(newKeys)
	if newKeys == nil {
		newKeys = []string{}
	}

	delta := len(live) - cached
	r := &Report{
		Kind:        kind,
		Delta:       delta,
		LiveCount:   len(live),
		CachedCount: cached,
		NewKeys:     newKeys,
		Drift:       abs(delta) > d.cfg.CountThreshold,
		CheckedAt:   d.cache.Now(),
	}

	d.logger.Info("drift check",
		zap.String("kind", string(kind)),
		zap.Bool("drift", r.Drift),
		zap.Int("live", r.LiveCount),
		zap.Int("cached", r.CachedCount))
	if err := d.publisher.Publish(ctx, &events.Event{
		Type:    events.TypeDriftReport,
		Origin:  d.cache.Origin(),
		Subject: string(kind),
		Data:    r,
	}); err != nil {
		d.logger.Debug("publish drift report failed", zap.Error(err))
	}
	return r, nil
}

// ObserveCompile emits a drift warning when one compile needed at least
// RepairThreshold origin repairs.
func (d *Detector) ObserveCompile(ctx context.Context, compileID string, stats knowledge.Stats) {
	d.Observe(ctx, compileID, stats)
}

// Observe is ObserveCompile returning the raised warning, or nil.
func (d *Detector) Observe(ctx context.Context, compileID string, stats knowledge.Stats) *Warning {
	if stats.OriginRepairs < d.cfg.RepairThreshold {
		return nil
	}
	w := &Warning{
		CompileID:      compileID,
		Stats:          stats,
		GapRatio:       stats.GapRatio(),
		Threshold:      d.cfg.RepairThreshold,
		ObservedAt:     d.cache.Now(),
		Recommendation: "run a schema refresh",
	}
	d.logger.Warn("schema cache drift suspected",
		zap.String("compile", compileID),
		zap.Int("repairs", stats.OriginRepairs),
		zap.Int("lookups", stats.TotalLookups),
		zap.Float64("gap_ratio", w.GapRatio))
	if err := d.publisher.Publish(ctx, &events.Event{
		Type:    events.TypeDriftWarning,
		Origin:  d.cache.Origin(),
		Subject: compileID,
		Data:    w,
	}); err != nil {
		d.logger.Warn("publish drift warning failed", zap.Error(err))
	}
	return w
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
