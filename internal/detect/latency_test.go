package detect

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/models"
)

type fakeStageTimes struct {
	times map[string]time.Time
}

func (f *fakeStageTimes) StageCompletionForDate(_ context.Context, stageKey string, _ time.Time) (time.Time, bool, error) {
	ts, ok := f.times[stageKey]
	return ts, ok, nil
}

type fakeHistory struct {
	samples  []float64
	recorded []float64
}

func (f *fakeHistory) Record(_ context.Context, _ time.Time, totalMinutes float64) error {
	f.recorded = append(f.recorded, totalMinutes)
	return nil
}

func (f *fakeHistory) Window(_ context.Context, _ time.Time) ([]float64, error) {
	return f.samples, nil
}

func latencyConfig() config.LatencyConfig {
	return config.LatencyConfig{
		Transitions: []config.LatencyTransition{
			{From: "raw-load", To: "features", MaxMinutes: 60},
			{From: "features", To: "predictions", MaxMinutes: 30},
		},
		EndToEndWarning:   120,
		EndToEndCritical:  240,
		HistoryWindow:     14 * 24 * time.Hour,
		AnomalyP95Factor:  2,
		AnomalyMinSamples: 5,
	}
}

func TestLatencyTransitionMeasurement(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load": base,
		"features": base.Add(45 * time.Minute),
	}}
	l := NewLatencyTracker(nil, wh, nil, latencyConfig(), nil)

	res := l.CheckTransition(context.Background(), config.LatencyTransition{From: "raw-load", To: "features", MaxMinutes: 60}, date)
	if res.Status != models.StatusOK || res.Value != 45 {
		t.Fatalf("got %s value %.0f, want ok 45", res.Status, res.Value)
	}

	res = l.CheckTransition(context.Background(), config.LatencyTransition{From: "raw-load", To: "features", MaxMinutes: 45}, date)
	if res.Status != models.StatusWarning {
		t.Fatalf("boundary breach: got %s, want %s", res.Status, models.StatusWarning)
	}
}

func TestLatencyMissingEndpointIsNoDataNotZero(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load": time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC),
	}}
	l := NewLatencyTracker(nil, wh, nil, latencyConfig(), nil)

	res := l.CheckTransition(context.Background(), config.LatencyTransition{From: "raw-load", To: "features", MaxMinutes: 60}, date)
	if res.Status != models.StatusNoData {
		t.Fatalf("status = %s, want %s", res.Status, models.StatusNoData)
	}
	if res.Value != 0 || res.Status == models.StatusOK {
		t.Fatalf("missing endpoint must not read as a zero-latency pass: %+v", res)
	}
}

func TestLatencyEndToEndRecordsSample(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load":    base,
		"features":    base.Add(40 * time.Minute),
		"predictions": base.Add(65 * time.Minute),
	}}
	hist := &fakeHistory{}
	l := NewLatencyTracker(nil, wh, hist, latencyConfig(), nil)

	summary := l.CheckAll(context.Background(), date)
	if got := summary.Overall(); got != models.StatusOK {
		t.Fatalf("overall = %s, want %s", got, models.StatusOK)
	}
	if len(hist.recorded) != 1 || hist.recorded[0] != 65 {
		t.Fatalf("recorded = %v, want [65]", hist.recorded)
	}
	last := summary.Results[len(summary.Results)-1]
	if last.Key != "end-to-end" || last.Value != 65 {
		t.Fatalf("end-to-end result = %+v", last)
	}
}

func TestLatencyAnomalyAgainstRecentP95(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load":    base,
		"features":    base.Add(40 * time.Minute),
		"predictions": base.Add(110 * time.Minute),
	}}
	// p95 of steady 50m history; 110m is over 2x and under the absolute
	// warning of 120m, so only the anomaly path can flag it.
	hist := &fakeHistory{samples: []float64{48, 50, 52, 49, 51, 50}}
	l := NewLatencyTracker(nil, wh, hist, latencyConfig(), nil)

	summary := l.CheckAll(context.Background(), date)
	last := summary.Results[len(summary.Results)-1]
	if last.Status != models.StatusWarning {
		t.Fatalf("anomalous run: status = %s, want %s", last.Status, models.StatusWarning)
	}
	if !strings.Contains(last.Message, "recent p95") {
		t.Fatalf("message lacks anomaly context: %q", last.Message)
	}
}

func TestLatencyEndToEndReportsTrailingPercentiles(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load":    base,
		"features":    base.Add(40 * time.Minute),
		"predictions": base.Add(65 * time.Minute),
	}}
	hist := &fakeHistory{samples: []float64{40, 50, 60, 70, 80, 90, 100, 110, 120, 130}}
	l := NewLatencyTracker(nil, wh, hist, latencyConfig(), nil)

	summary := l.CheckAll(context.Background(), date)
	last := summary.Results[len(summary.Results)-1]
	if last.Status != models.StatusOK {
		t.Fatalf("65m against 2x p95 history: status = %s, want %s", last.Status, models.StatusOK)
	}
	// Nearest rank over ten samples: p50=80, p95=130, p99=130.
	if !strings.Contains(last.Message, "trailing p50/p95/p99 80/130/130m over 10 runs") {
		t.Fatalf("message lacks trailing percentiles: %q", last.Message)
	}
}

func TestLatencyAnomalySkippedBelowMinSamples(t *testing.T) {
	date := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	wh := &fakeStageTimes{times: map[string]time.Time{
		"raw-load":    base,
		"features":    base.Add(40 * time.Minute),
		"predictions": base.Add(110 * time.Minute),
	}}
	hist := &fakeHistory{samples: []float64{50, 52}}
	l := NewLatencyTracker(nil, wh, hist, latencyConfig(), nil)

	summary := l.CheckAll(context.Background(), date)
	last := summary.Results[len(summary.Results)-1]
	if last.Status != models.StatusOK {
		t.Fatalf("thin history must not flag: got %s", last.Status)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(values, 95); got != 100 {
		t.Fatalf("p95 = %v, want 100", got)
	}
	if got := percentile(values, 50); got != 50 {
		t.Fatalf("p50 = %v, want 50", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty = %v, want 0", got)
	}
}
