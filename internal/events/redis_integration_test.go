//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *RedisBus {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	bus, err := NewRedisBus("redis://"+endpoint, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub := bus.Subscribe(ctx, "flowise", FromNow)
	other := bus.Subscribe(ctx, "elsewhere", FromNow)

	// The subscription starts at "$", so keep publishing until the
	// first read is in place.
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		ev := &Event{
			Type:    TypeDriftWarning,
			Origin:  "flowise",
			Subject: "compile-1",
			Data:    map[string]any{"repairs": 6},
		}
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatal("publish should stamp id and timestamp")
		}

		select {
		case got := <-sub:
			if got.Type != TypeDriftWarning || got.Subject != "compile-1" {
				t.Fatalf("unexpected event %+v", got)
			}
			data, ok := got.Data.(map[string]any)
			if !ok || data["repairs"] != float64(6) {
				t.Fatalf("unexpected data %#v", got.Data)
			}
			select {
			case ev := <-other:
				t.Fatalf("other origin received %+v", ev)
			default:
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestRedisBusStreamTrimmed(t *testing.T) {
	bus := setupRedis(t)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if err := bus.Publish(ctx, &Event{Type: TypeRefreshProgress, Origin: "trim"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	n, err := bus.rdb.XLen(ctx, Stream("trim")).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	// Approximate trimming keeps whole macro nodes, so allow slack.
	if n >= 500 {
		t.Fatalf("stream not trimmed: %d entries", n)
	}
}

func TestRedisBusRecentAndReplay(t *testing.T) {
	bus := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, subject := range []string{"job-1", "job-2", "job-3"} {
		if err := bus.Publish(ctx, &Event{Type: TypeRefreshSummary, Origin: "replay", Subject: subject}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	recent, err := bus.Recent(ctx, "replay", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Subject != "job-2" || recent[1].Subject != "job-3" {
		t.Fatalf("unexpected recent events %+v", recent)
	}

	sub := bus.Subscribe(ctx, "replay", FromStart)
	for _, want := range []string{"job-1", "job-2", "job-3"} {
		select {
		case ev := <-sub:
			if ev.Subject != want {
				t.Fatalf("replay order: got %s, want %s", ev.Subject, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out replaying")
		}
	}
}
