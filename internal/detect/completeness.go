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

// CompletionStore covers the warehouse operations the completeness check needs.
type CompletionStore interface {
	RecordCompletion(ctx context.Context, rec models.CompletionRecord) error
	SuccessfulProcessors(ctx context.Context, date, since time.Time) ([]string, error)
	ScheduledGameCount(ctx context.Context, date time.Time) (int64, error)
	ObservedGameCount(ctx context.Context, date time.Time) (int64, error)
}

// CompletenessChecker is event-driven, not polled: every completion signal is
// recorded, and the moment the full expected processor set has reported
// success for a date, the stronger schedule-vs-observed cross-check runs
// immediately instead of waiting for the next scheduled sweep. That collapses
// detection lag from hours to the arrival latency of the last signal.
type CompletenessChecker struct {
	warehouse CompletionStore
	cfg       config.CompletenessConfig
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewCompletenessChecker constructs the checker.
func NewCompletenessChecker(logger *slog.Logger, warehouse CompletionStore, cfg config.CompletenessConfig, alerts *alert.Manager) *CompletenessChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletenessChecker{
		warehouse: warehouse,
		cfg:       cfg,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleCompletion records an inbound completion signal and, when the
// expected processor set is fully reported for the date, runs the
// cross-check. The returned summary describes what was concluded.
func (c *CompletenessChecker) HandleCompletion(ctx context.Context, sig models.CompletionSignal) (Summary, error) {
	started := c.now()
	summary := Summary{Detector: "completeness", Date: started}

	if err := sig.Validate(); err != nil {
		return summary, err
	}
	date := sig.Date()
	dateKey := sig.GameDate

	rec := models.CompletionRecord{
		StageKey:      c.cfg.StageKey,
		GameDate:      date,
		ProcessorName: sig.ProcessorName,
		CompletedAt:   c.now(),
		Status:        sig.Status,
		RowsProcessed: sig.RowsProcessed,
	}
	if err := c.warehouse.RecordCompletion(ctx, rec); err != nil {
		summary.Results = append(summary.Results, Result{
			Key: dateKey, Status: models.StatusError,
			Message: fmt.Sprintf("record completion: %v", err),
		})
		return summary, err
	}

	if sig.Status == models.RunFailed {
		summary.Results = append(summary.Results, Result{
			Key: dateKey, Status: models.StatusWarning,
			Message: fmt.Sprintf("processor %s reported failure", sig.ProcessorName),
		})
		reportSummary(ctx, c.alerts, "completeness", "Processor run failed", summary)
		metrics.ObserveCheck("completeness", string(summary.Overall()), c.now().Sub(started))
		return summary, nil
	}

	reported, err := c.warehouse.SuccessfulProcessors(ctx, date, c.now().Add(-c.cfg.Lookback))
	if err != nil {
		summary.Results = append(summary.Results, Result{
			Key: dateKey, Status: models.StatusError,
			Message: fmt.Sprintf("read reported processors: %v", err),
		})
		return summary, err
	}

	if missing := missingProcessors(c.cfg.ExpectedProcessors, reported); len(missing) > 0 {
		summary.Results = append(summary.Results, Result{
			Key: dateKey, Status: models.StatusOK,
			Value:   float64(len(reported)),
			Message: fmt.Sprintf("waiting on %d of %d processors", len(missing), len(c.cfg.ExpectedProcessors)),
		})
		metrics.ObserveCheck("completeness", string(summary.Overall()), c.now().Sub(started))
		return summary, nil
	}

	// Everyone reported in: verify the date is actually complete.
	res := c.crossCheck(ctx, dateKey, date)
	summary.Results = append(summary.Results, res)
	reportSummary(ctx, c.alerts, "completeness", "Game data incomplete after full phase report", summary)
	metrics.ObserveCheck("completeness", string(summary.Overall()), c.now().Sub(started))
	return summary, nil
}

// crossCheck compares the league schedule against loaded game results.
func (c *CompletenessChecker) crossCheck(ctx context.Context, dateKey string, date time.Time) Result {
	scheduled, err := c.warehouse.ScheduledGameCount(ctx, date)
	if err != nil {
		return Result{Key: dateKey, Status: models.StatusError, Message: fmt.Sprintf("scheduled count: %v", err)}
	}
	if scheduled == 0 {
		return Result{Key: dateKey, Status: models.StatusNoData, Message: "no games scheduled"}
	}
	observed, err := c.warehouse.ObservedGameCount(ctx, date)
	if err != nil {
		return Result{Key: dateKey, Status: models.StatusError, Message: fmt.Sprintf("observed count: %v", err)}
	}

	missing := scheduled - observed
	switch {
	case missing <= 0:
		return Result{Key: dateKey, Status: models.StatusOK, Value: float64(observed),
			Message: fmt.Sprintf("all %d scheduled games loaded", scheduled)}
	case observed == 0:
		return Result{Key: dateKey, Status: models.StatusCritical, Value: float64(observed),
			Message: fmt.Sprintf("0 of %d scheduled games loaded", scheduled)}
	default:
		return Result{Key: dateKey, Status: models.StatusWarning, Value: float64(observed),
			Message: fmt.Sprintf("%d of %d scheduled games missing", missing, scheduled)}
	}
}

func missingProcessors(expected, reported []string) []string {
	seen := make(map[string]struct{}, len(reported))
	for _, name := range reported {
		seen[name] = struct{}{}
	}
	var missing []string
	for _, name := range expected {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
