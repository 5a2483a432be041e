package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
)

// StageTimeSource reads the completion time of a stage for one business date.
type StageTimeSource interface {
	StageCompletionForDate(ctx context.Context, stageKey string, date time.Time) (time.Time, bool, error)
}

// HistorySink persists and reads back end-to-end latency samples.
type HistorySink interface {
	Record(ctx context.Context, date time.Time, totalMinutes float64) error
	Window(ctx context.Context, since time.Time) ([]float64, error)
}

// LatencyTracker measures elapsed time between adjacent stage completions and
// the full end-to-end duration for a date. A transition with a missing
// endpoint yields no measurement, never a zero. On top of the absolute
// thresholds it keeps a history of end-to-end samples, reports trailing
// p50/p95/p99, and flags runs that exceed a multiple of the recent p95, so a
// slow-but-under-budget drift still surfaces.
type LatencyTracker struct {
	warehouse StageTimeSource
	history   HistorySink
	cfg       config.LatencyConfig
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewLatencyTracker constructs the tracker. history may be nil; the anomaly
// comparison is then skipped.
func NewLatencyTracker(logger *slog.Logger, warehouse StageTimeSource, history HistorySink, cfg config.LatencyConfig, alerts *alert.Manager) *LatencyTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LatencyTracker{
		warehouse: warehouse,
		history:   history,
		cfg:       cfg,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckTransition measures one stage-to-stage delta.
func (l *LatencyTracker) CheckTransition(ctx context.Context, tr config.LatencyTransition, date time.Time) Result {
	key := tr.From + "->" + tr.To

	fromAt, ok, err := l.warehouse.StageCompletionForDate(ctx, tr.From, date)
	if err != nil {
		return Result{Key: key, Status: models.StatusError, Message: fmt.Sprintf("fetch %s: %v", tr.From, err)}
	}
	if !ok {
		return Result{Key: key, Status: models.StatusNoData, Message: fmt.Sprintf("%s has not completed", tr.From)}
	}
	toAt, ok, err := l.warehouse.StageCompletionForDate(ctx, tr.To, date)
	if err != nil {
		return Result{Key: key, Status: models.StatusError, Message: fmt.Sprintf("fetch %s: %v", tr.To, err)}
	}
	if !ok {
		return Result{Key: key, Status: models.StatusNoData, Message: fmt.Sprintf("%s has not completed", tr.To)}
	}

	delta := toAt.Sub(fromAt).Minutes()
	if delta < 0 {
		return Result{Key: key, Status: models.StatusError,
			Message: fmt.Sprintf("%s completed %.0fm before %s", tr.To, -delta, tr.From)}
	}
	status := classify(delta, tr.MaxMinutes, 0)
	return Result{
		Key:     key,
		Status:  status,
		Value:   delta,
		Message: fmt.Sprintf("%.0fm (max %.0fm)", delta, tr.MaxMinutes),
	}
}

// CheckAll measures every configured transition plus the end-to-end duration
// for the date, records the sample, and raises at most one aggregate alert.
func (l *LatencyTracker) CheckAll(ctx context.Context, date time.Time) Summary {
	started := l.now()
	summary := Summary{Detector: "latency", Date: date}

	for _, tr := range l.cfg.Transitions {
		tr := tr
		summary.Results = append(summary.Results, checkKey(l.logger, tr.From+"->"+tr.To, func() Result {
			return l.CheckTransition(ctx, tr, date)
		}))
	}

	if res, ok := l.endToEnd(ctx, date); ok {
		summary.Results = append(summary.Results, res)
	}

	reportSummary(ctx, l.alerts, "latency", "Pipeline latency over budget", summary)
	metrics.ObserveCheck("latency", string(summary.Overall()), l.now().Sub(started))
	return summary
}

// endToEnd measures first-stage to last-stage duration, persists the sample,
// and compares it against the recent p95.
func (l *LatencyTracker) endToEnd(ctx context.Context, date time.Time) (Result, bool) {
	if len(l.cfg.Transitions) == 0 {
		return Result{}, false
	}
	first := l.cfg.Transitions[0].From
	last := l.cfg.Transitions[len(l.cfg.Transitions)-1].To

	startAt, ok, err := l.warehouse.StageCompletionForDate(ctx, first, date)
	if err != nil || !ok {
		return Result{}, false
	}
	endAt, ok, err := l.warehouse.StageCompletionForDate(ctx, last, date)
	if err != nil || !ok {
		return Result{}, false
	}

	total := endAt.Sub(startAt).Minutes()
	if total < 0 {
		return Result{}, false
	}
	res := Result{
		Key:    "end-to-end",
		Status: classify(total, l.cfg.EndToEndWarning, l.cfg.EndToEndCritical),
		Value:  total,
		Message: fmt.Sprintf("%.0fm end to end (warning %.0fm, critical %.0fm)",
			total, l.cfg.EndToEndWarning, l.cfg.EndToEndCritical),
	}

	if l.history != nil {
		if err := l.history.Record(ctx, date, total); err != nil {
			l.logger.Warn("record latency sample failed", slog.Any("error", err))
		}
		if stats, ok := l.recentStats(ctx); ok {
			res.Message += fmt.Sprintf("; trailing p50/p95/p99 %.0f/%.0f/%.0fm over %d runs",
				stats.p50, stats.p95, stats.p99, stats.samples)
			if l.cfg.AnomalyP95Factor > 0 && stats.p95 > 0 && total > l.cfg.AnomalyP95Factor*stats.p95 {
				res.Status = models.WorseOf(res.Status, models.StatusWarning)
				res.Message += fmt.Sprintf(" (%.1fx recent p95)", total/stats.p95)
			}
		}
	}
	return res, true
}

// latencyStats are nearest-rank percentiles over the trailing history window.
type latencyStats struct {
	p50     float64
	p95     float64
	p99     float64
	samples int
}

// recentStats reads the trailing window and computes the historical
// percentiles. It reports false when history is too thin to be meaningful.
func (l *LatencyTracker) recentStats(ctx context.Context) (latencyStats, bool) {
	if l.cfg.AnomalyMinSamples <= 0 {
		return latencyStats{}, false
	}
	samples, err := l.history.Window(ctx, l.now().Add(-l.cfg.HistoryWindow))
	if err != nil {
		l.logger.Warn("read latency history failed", slog.Any("error", err))
		return latencyStats{}, false
	}
	if len(samples) < l.cfg.AnomalyMinSamples {
		return latencyStats{}, false
	}
	return latencyStats{
		p50:     percentile(samples, 50),
		p95:     percentile(samples, 95),
		p99:     percentile(samples, 99),
		samples: len(samples),
	}, true
}

// percentile returns the pth percentile of values using nearest-rank on a
// sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
