// Package events carries refresh progress and drift warnings to other
// processes and operator sinks.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeRefreshProgress = "refresh_progress"
	TypeRefreshSummary  = "refresh_summary"
	TypeDriftWarning    = "drift_warning"
	TypeDriftReport     = "drift_report"
)

// Event is a structured notification.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	Origin    string    `json:"origin"`
	Subject   string    `json:"subject,omitempty"` // job id or compile id
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch     chan *Event
	events []*Event
}

// NewRecorder creates a Recorder with room for n events.
func NewRecorder(n int) *Recorder {
	return &Recorder{ch: make(chan *Event, n)}
}

func (r *Recorder) Publish(_ context.Context, ev *Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		return errors.New("recorder full")
	}
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []*Event {
	for {
		select {
		case ev := <-r.ch:
			r.events = append(r.events, ev)
		default:
			return r.events
		}
	}
}
