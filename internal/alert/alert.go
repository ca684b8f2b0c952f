// Package alert forwards drift findings to operator chat channels.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/flowforge/internal/events"
	"go.uber.org/zap"
)

// Notifier posts a plain-text message to one chat platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, title, body string) error
}

// Alerter is an events.Publisher that turns drift events into chat
// messages. Other event types are ignored.
type Alerter struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// New creates an Alerter over the given notifiers.
func New(logger *zap.Logger, notifiers ...Notifier) *Alerter {
	return &Alerter{notifiers: notifiers, logger: logger}
}

// Platforms lists the configured notifier platforms.
func (a *Alerter) Platforms() []string {
	out := make([]string, len(a.notifiers))
	for i, n := range a.notifiers {
		out[i] = n.Platform()
	}
	return out
}

type warningView struct {
	CompileID string `json:"compile_id"`
	Stats     struct {
		OriginRepairs int `json:"origin_repairs"`
		TotalLookups  int `json:"total_lookups"`
	} `json:"stats"`
	GapRatio       float64 `json:"gap_ratio"`
	Recommendation string  `json:"recommendation"`
}

type reportView struct {
	Kind        string   `json:"kind"`
	Drift       bool     `json:"drift"`
	Delta       int      `json:"delta"`
	LiveCount   int      `json:"live_count"`
	CachedCount int      `json:"cached_count"`
	NewKeys     []string `json:"new_keys"`
}

// decode reads event data whether it is a typed value published in
// process or a map read back from the stream.
func decode(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Format renders an event as a title and body. ok is false for events that
// do not warrant an alert.
func Format(ev *events.Event) (title, body string, ok bool) {
	switch ev.Type {
	case events.TypeDriftWarning:
		var w warningView
		if err := decode(ev.Data, &w); err != nil {
			return "", "", false
		}
		title = fmt.Sprintf("[drift_warning] %s", ev.Origin)
		body = fmt.Sprintf("compile %s needed %d origin repairs over %d lookups (gap %.0f%%).",
			w.CompileID, w.Stats.OriginRepairs, w.Stats.TotalLookups, w.GapRatio*100)
		if w.Recommendation != "" {
			body += " Recommendation: " + w.Recommendation + "."
		}
		return title, body, true
	case events.TypeDriftReport:
		var r reportView
		if err := decode(ev.Data, &r); err != nil || !r.Drift {
			return "", "", false
		}
		title = fmt.Sprintf("[drift_report] %s %s", ev.Origin, r.Kind)
		body = fmt.Sprintf("origin lists %d, cache holds %d (delta %+d).", r.LiveCount, r.CachedCount, r.Delta)
		if n := len(r.NewKeys); n > 0 {
			shown := r.NewKeys
			if n > 10 {
				shown = shown[:10]
			}
			body += fmt.Sprintf(" New keys: %v", shown)
			if n > 10 {
				body += fmt.Sprintf(" and %d more", n-10)
			}
		}
		return title, body, true
	}
	return "", "", false
}

// Publish sends drift events to every notifier. A failing notifier does
// not stop the others.
func (a *Alerter) Publish(ctx context.Context, ev *events.Event) error {
	title, body, ok := Format(ev)
	if !ok {
		return nil
	}
	var errs []error
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, title, body); err != nil {
			a.logger.Warn("alert delivery failed", zap.String("platform", n.Platform()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// Forward delivers events from a stream subscription until it closes.
func (a *Alerter) Forward(ctx context.Context, in <-chan *events.Event) {
	for ev := range in {
		if err := a.Publish(ctx, ev); err != nil {
			a.logger.Debug("forward alert", zap.Error(err))
		}
	}
}
