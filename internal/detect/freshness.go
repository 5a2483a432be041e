package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
)

// TimestampSource reads the newest timestamp per warehouse table.
type TimestampSource interface {
	MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error)
}

// FreshnessChecker compares per-source data age against warning/critical
// hour thresholds.
type FreshnessChecker struct {
	warehouse TimestampSource
	sources   []config.FreshnessSource
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewFreshnessChecker constructs the checker.
func NewFreshnessChecker(logger *slog.Logger, warehouse TimestampSource, sources []config.FreshnessSource, alerts *alert.Manager) *FreshnessChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FreshnessChecker{
		warehouse: warehouse,
		sources:   sources,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckOne measures the age of one source.
func (f *FreshnessChecker) CheckOne(ctx context.Context, src config.FreshnessSource) Result {
	ts, ok, err := f.warehouse.MaxTimestamp(ctx, src.Table, src.TimestampColumn)
	if err != nil {
		return Result{Key: src.Name, Status: models.StatusError, Message: fmt.Sprintf("fetch failed: %v", err)}
	}
	if !ok {
		return Result{Key: src.Name, Status: models.StatusNoData, Message: "no rows recorded"}
	}

	ageHours := f.now().Sub(ts).Hours()
	status := classify(ageHours, src.WarningHours, src.CriticalHours)
	return Result{
		Key:    src.Name,
		Status: status,
		Value:  ageHours,
		Message: fmt.Sprintf("age %.1fh (warning %.1fh, critical %.1fh)",
			ageHours, src.WarningHours, src.CriticalHours),
	}
}

// CheckAll measures every configured source and raises at most one aggregate
// alert. hasActivity=false marks a legitimately idle period (off-season, no
// games scheduled): verdicts are still computed and returned, but nothing is
// alerted.
func (f *FreshnessChecker) CheckAll(ctx context.Context, hasActivity bool) Summary {
	started := f.now()
	summary := Summary{Detector: "freshness", Date: started}

	for _, src := range f.sources {
		src := src
		summary.Results = append(summary.Results, checkKey(f.logger, src.Name, func() Result {
			return f.CheckOne(ctx, src)
		}))
	}

	if hasActivity {
		reportSummary(ctx, f.alerts, "freshness", "Stale pipeline data", summary)
	}
	metrics.ObserveCheck("freshness", string(summary.Overall()), f.now().Sub(started))
	return summary
}
