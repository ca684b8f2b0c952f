package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	platform string
	err      error
	mu       sync.Mutex
	sent     []string
}

func (f *fakeNotifier) Platform() string { return f.platform }

func (f *fakeNotifier) Notify(_ context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, title+"|"+body)
	return f.err
}

func warningEvent() *events.Event {
	return &events.Event{
		Type:    events.TypeDriftWarning,
		Origin:  "flowise",
		Subject: "c-1",
		Data: &drift.Warning{
			CompileID:      "c-1",
			Stats:          knowledge.Stats{OriginRepairs: 6, TotalLookups: 10},
			GapRatio:       0.6,
			Threshold:      5,
			Recommendation: "run a schema refresh",
		},
	}
}

func TestFormatWarning(t *testing.T) {
	title, body, ok := Format(warningEvent())
	require.True(t, ok)
	assert.Equal(t, "[drift_warning] flowise", title)
	assert.Contains(t, body, "compile c-1 needed 6 origin repairs over 10 lookups (gap 60%)")
	assert.Contains(t, body, "run a schema refresh")
}

func TestFormatReportFromStream(t *testing.T) {
	// Events read back from Redis carry map data.
	ev := &events.Event{
		Type:   events.TypeDriftReport,
		Origin: "flowise",
		Data: map[string]any{
			"kind": "node", "drift": true, "delta": 7,
			"live_count": 17, "cached_count": 10,
			"new_keys": []any{"a", "b"},
		},
	}
	title, body, ok := Format(ev)
	require.True(t, ok)
	assert.Equal(t, "[drift_report] flowise node", title)
	assert.Contains(t, body, "delta +7")
	assert.Contains(t, body, "New keys: [a b]")
}

func TestFormatIgnoresQuietEvents(t *testing.T) {
	_, _, ok := Format(&events.Event{Type: events.TypeDriftReport, Data: &drift.Report{Drift: false}})
	assert.False(t, ok)
	_, _, ok = Format(&events.Event{Type: events.TypeRefreshProgress})
	assert.False(t, ok)
}

func TestPublishFansOutAndJoinsErrors(t *testing.T) {
	ok := &fakeNotifier{platform: "slack"}
	bad := &fakeNotifier{platform: "discord", err: errors.New("boom")}
	a := New(zap.NewNop(), bad, ok)

	err := a.Publish(context.Background(), warningEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: boom")
	assert.Len(t, ok.sent, 1)
	assert.Len(t, bad.sent, 1)
	assert.Equal(t, []string{"discord", "slack"}, a.Platforms())

	require.NoError(t, a.Publish(context.Background(), &events.Event{Type: events.TypeRefreshSummary}))
	assert.Len(t, ok.sent, 1)
}

func TestForwardDrainsChannel(t *testing.T) {
	n := &fakeNotifier{platform: "slack"}
	a := New(zap.NewNop(), n)
	in := make(chan *events.Event, 2)
	in <- warningEvent()
	in <- &events.Event{Type: events.TypeRefreshProgress}
	close(in)
	a.Forward(context.Background(), in)
	assert.Len(t, n.sent, 1)
}

func TestSlackNotifierPostsToChannel(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat.postMessage"))
		require.NoError(t, r.ParseForm())
		gotChannel = r.FormValue("channel")
		gotText = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1.2"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, n.Notify(context.Background(), "title", "body"))
	assert.Equal(t, "C123", gotChannel)
	assert.Equal(t, "*title*\nbody", gotText)
}

func TestSlackNotifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C404", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	err := n.Notify(context.Background(), "t", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestNewDiscordNotifier(t *testing.T) {
	n, err := NewDiscordNotifier("token", "chan-1", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "discord", n.Platform())
	assert.Equal(t, "Bot token", n.session.Token)
}
