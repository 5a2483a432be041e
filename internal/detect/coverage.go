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

// CoverageSource reads how many games were scheduled and how many received
// predictions.
type CoverageSource interface {
	ScheduledGameCount(ctx context.Context, date time.Time) (int64, error)
	PredictionCount(ctx context.Context, date time.Time) (int64, error)
}

// CoverageMonitor checks the ratio of published predictions to scheduled
// games. Thresholds apply to the missing fraction so the shared inclusive
// breach rule (value >= threshold) holds.
type CoverageMonitor struct {
	warehouse CoverageSource
	cfg       config.CoverageConfig
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoverageMonitor constructs the monitor.
func NewCoverageMonitor(logger *slog.Logger, warehouse CoverageSource, cfg config.CoverageConfig, alerts *alert.Manager) *CoverageMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoverageMonitor{
		warehouse: warehouse,
		cfg:       cfg,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckDate measures prediction coverage for one business date.
func (c *CoverageMonitor) CheckDate(ctx context.Context, date time.Time) Result {
	key := date.UTC().Format("2006-01-02")

	scheduled, err := c.warehouse.ScheduledGameCount(ctx, date)
	if err != nil {
		return Result{Key: key, Status: models.StatusError, Message: fmt.Sprintf("scheduled count failed: %v", err)}
	}
	if scheduled == 0 {
		return Result{Key: key, Status: models.StatusNoData, Message: "no games scheduled"}
	}

	predicted, err := c.warehouse.PredictionCount(ctx, date)
	if err != nil {
		return Result{Key: key, Status: models.StatusError, Message: fmt.Sprintf("prediction count failed: %v", err)}
	}
	if predicted > scheduled {
		predicted = scheduled
	}

	missing := 1 - float64(predicted)/float64(scheduled)
	status := classify(missing, c.cfg.WarningMissing, c.cfg.CriticalMissing)
	return Result{
		Key:    key,
		Status: status,
		Value:  missing,
		Message: fmt.Sprintf("%d of %d games predicted (%.0f%% missing)",
			predicted, scheduled, missing*100),
	}
}

// CheckAll runs the coverage check for the date and reports it.
func (c *CoverageMonitor) CheckAll(ctx context.Context, date time.Time) Summary {
	started := c.now()
	summary := Summary{Detector: "coverage", Date: date}

	key := date.UTC().Format("2006-01-02")
	summary.Results = append(summary.Results, checkKey(c.logger, key, func() Result {
		return c.CheckDate(ctx, date)
	}))

	reportSummary(ctx, c.alerts, "coverage", "Prediction coverage shortfall", summary)
	metrics.ObserveCheck("coverage", string(summary.Overall()), c.now().Sub(started))
	return summary
}
