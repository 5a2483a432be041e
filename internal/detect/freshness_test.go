package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/models"
)

type fakeTimestamps struct {
	byTable map[string]time.Time
	err     error
}

func (f *fakeTimestamps) MaxTimestamp(_ context.Context, table, _ string) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	ts, ok := f.byTable[table]
	return ts, ok, nil
}

func freshnessSource(name string, warn, crit float64) config.FreshnessSource {
	return config.FreshnessSource{
		Name:            name,
		Table:           name + "_raw",
		TimestampColumn: "loaded_at",
		WarningHours:    warn,
		CriticalHours:   crit,
	}
}

func TestFreshnessThresholdBoundaries(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		age  time.Duration
		want models.CheckStatus
	}{
		{"fresh", time.Hour, models.StatusOK},
		{"just below warning", 4*time.Hour - time.Minute, models.StatusOK},
		{"exactly warning", 4 * time.Hour, models.StatusWarning},
		{"between", 6 * time.Hour, models.StatusWarning},
		{"exactly critical", 8 * time.Hour, models.StatusCritical},
		{"far past critical", 20 * time.Hour, models.StatusCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := freshnessSource("boxscores", 4, 8)
			wh := &fakeTimestamps{byTable: map[string]time.Time{
				"boxscores_raw": now.Add(-tc.age),
			}}
			f := NewFreshnessChecker(nil, wh, []config.FreshnessSource{src}, nil)
			f.now = func() time.Time { return now }

			res := f.CheckOne(context.Background(), src)
			if res.Status != tc.want {
				t.Fatalf("age %v: status = %s, want %s", tc.age, res.Status, tc.want)
			}
		})
	}
}

func TestFreshnessEmptyTableIsNoData(t *testing.T) {
	src := freshnessSource("schedule", 4, 8)
	f := NewFreshnessChecker(nil, &fakeTimestamps{byTable: map[string]time.Time{}}, []config.FreshnessSource{src}, nil)

	res := f.CheckOne(context.Background(), src)
	if res.Status != models.StatusNoData {
		t.Fatalf("status = %s, want %s", res.Status, models.StatusNoData)
	}
}

func TestFreshnessFetchErrorIsError(t *testing.T) {
	src := freshnessSource("odds", 4, 8)
	f := NewFreshnessChecker(nil, &fakeTimestamps{err: fmt.Errorf("connection refused")}, []config.FreshnessSource{src}, nil)

	res := f.CheckOne(context.Background(), src)
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want %s", res.Status, models.StatusError)
	}
}

func TestFreshnessCheckAllAggregatesWorst(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sources := []config.FreshnessSource{
		freshnessSource("boxscores", 4, 8),
		freshnessSource("schedule", 4, 8),
		freshnessSource("odds", 4, 8),
	}
	wh := &fakeTimestamps{byTable: map[string]time.Time{
		"boxscores_raw": now.Add(-1 * time.Hour),
		"schedule_raw":  now.Add(-5 * time.Hour),
		"odds_raw":      now.Add(-9 * time.Hour),
	}}
	f := NewFreshnessChecker(nil, wh, sources, nil)
	f.now = func() time.Time { return now }

	summary := f.CheckAll(context.Background(), true)
	if got := summary.Overall(); got != models.StatusCritical {
		t.Fatalf("overall = %s, want %s", got, models.StatusCritical)
	}
	if got := len(summary.Breaching()); got != 2 {
		t.Fatalf("breaching = %d, want 2", got)
	}
}
