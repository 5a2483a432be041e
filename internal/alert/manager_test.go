package alert

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/courtdata/sentinel/internal/models"
)

type captureNotifier struct {
	name   string
	events []Event
	fail   bool
}

func (c *captureNotifier) Name() string { return c.name }

func (c *captureNotifier) Notify(_ context.Context, ev Event) error {
	if c.fail {
		return fmt.Errorf("channel down")
	}
	c.events = append(c.events, ev)
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, maxPerWindow int) (*Manager, *captureNotifier, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	secondary := &captureNotifier{name: "secondary"}
	m := NewManager(nil, Options{
		RateLimitWindow: time.Hour,
		MaxPerWindow:    maxPerWindow,
		Clock:           clock.Now,
		Secondary:       []Notifier{secondary},
	})
	return m, secondary, clock
}

func warnEvent(category string) Event {
	return Event{
		Severity: models.SeverityWarning,
		Title:    "stale data",
		Message:  "source is behind",
		Category: category,
		Context:  map[string]any{"source": category},
	}
}

func TestSendRateLimitsPerCategory(t *testing.T) {
	m, secondary, _ := newTestManager(t, 2)
	ctx := context.Background()

	if !m.Send(ctx, warnEvent("freshness"), false) {
		t.Fatal("first alert should forward")
	}
	if !m.Send(ctx, warnEvent("freshness"), false) {
		t.Fatal("second alert should forward")
	}
	if m.Send(ctx, warnEvent("freshness"), false) {
		t.Fatal("third alert should be rate-limited")
	}
	if got := len(secondary.events); got != 2 {
		t.Fatalf("secondary saw %d events, want 2", got)
	}

	// A different category has its own window.
	if !m.Send(ctx, warnEvent("stalls"), false) {
		t.Fatal("other category should not share the limit")
	}
}

func TestSendForceBypassesRateLimiterOnly(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	m.Send(ctx, warnEvent("dlq"), false)
	if !m.Send(ctx, warnEvent("dlq"), true) {
		t.Fatal("force should bypass the rate limiter")
	}

	m.SetBackfillMode(true)
	if m.Send(ctx, warnEvent("dlq"), true) {
		t.Fatal("force must not bypass backfill-mode suppression")
	}
}

func TestBackfillModeSuppression(t *testing.T) {
	m, secondary, _ := newTestManager(t, 10)
	ctx := context.Background()
	m.SetBackfillMode(true)

	if m.Send(ctx, warnEvent("gaps"), false) {
		t.Fatal("warning should be suppressed during backfill")
	}

	crit := warnEvent("gaps")
	crit.Severity = models.SeverityCritical
	if !m.Send(ctx, crit, false) {
		t.Fatal("critical should still forward during backfill")
	}
	if len(secondary.events) != 1 {
		t.Fatalf("secondary saw %d events, want 1", len(secondary.events))
	}
}

func TestRateLimitWindowPrunes(t *testing.T) {
	m, _, clock := newTestManager(t, 1)
	ctx := context.Background()

	if !m.Send(ctx, warnEvent("coverage"), false) {
		t.Fatal("first alert should forward")
	}
	if m.Send(ctx, warnEvent("coverage"), false) {
		t.Fatal("second alert inside the window should be limited")
	}

	clock.Advance(61 * time.Minute)
	if !m.Send(ctx, warnEvent("coverage"), false) {
		t.Fatal("alert after the window should forward again")
	}
}

func TestFlushBatchedEmitsOneSummary(t *testing.T) {
	m, secondary, _ := newTestManager(t, 1)
	ctx := context.Background()

	m.Send(ctx, warnEvent("freshness"), false)
	for i := 0; i < 7; i++ {
		m.Send(ctx, warnEvent("freshness"), false)
	}

	flushed := m.FlushBatched(ctx)
	if flushed != 1 {
		t.Fatalf("flushed %d summaries, want 1", flushed)
	}

	summary := secondary.events[len(secondary.events)-1]
	count, ok := summary.Context["count"].(int)
	if !ok || count != 7 {
		t.Fatalf("summary count = %v, want 7", summary.Context["count"])
	}
	samples, ok := summary.Context["samples"].([]map[string]any)
	if !ok || len(samples) != maxBatchSamples {
		t.Fatalf("summary carried %d samples, want %d", len(samples), maxBatchSamples)
	}

	// Batches are cleared after a flush.
	if again := m.FlushBatched(ctx); again != 0 {
		t.Fatalf("second flush emitted %d summaries, want 0", again)
	}
}

func TestChannelFailureDoesNotPropagate(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	broken := &captureNotifier{name: "broken", fail: true}
	m := NewManager(nil, Options{
		RateLimitWindow: time.Hour,
		MaxPerWindow:    5,
		Clock:           clock.Now,
		Secondary:       []Notifier{broken},
	})

	if !m.Send(context.Background(), warnEvent("freshness"), false) {
		t.Fatal("delivery failure must not change the forward decision")
	}
}
