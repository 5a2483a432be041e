package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/store"
)

// StageReader reads the most recent progress record per pipeline stage.
type StageReader interface {
	StageCompletion(ctx context.Context, stageKey string) (*models.CompletionRecord, error)
}

// StallDetector checks per-stage lag against expected and stall thresholds,
// with a one-hop upstream diagnosis: when a stage is stalled and its declared
// upstream is also stalled (or silent), the upstream is named as the likely
// root cause instead of paging for both.
type StallDetector struct {
	warehouse StageReader
	stages    []config.StageConfig
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewStallDetector constructs the detector.
func NewStallDetector(logger *slog.Logger, warehouse StageReader, stages []config.StageConfig, alerts *alert.Manager) *StallDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StallDetector{
		warehouse: warehouse,
		stages:    stages,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckOne measures the lag of one stage.
func (s *StallDetector) CheckOne(ctx context.Context, stage config.StageConfig) Result {
	rec, err := s.warehouse.StageCompletion(ctx, stage.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Key: stage.Key, Status: models.StatusNoData, Message: "stage has never reported"}
		}
		return Result{Key: stage.Key, Status: models.StatusError, Message: fmt.Sprintf("fetch failed: %v", err)}
	}

	lagMinutes := s.now().Sub(rec.CompletedAt).Minutes()
	status := classify(lagMinutes, stage.ExpectedMinutes, stage.StallMinutes)
	msg := fmt.Sprintf("last progress %.0fm ago (expected %.0fm, stall %.0fm)",
		lagMinutes, stage.ExpectedMinutes, stage.StallMinutes)
	if status == models.StatusCritical {
		msg = "stalled: " + msg
	}
	return Result{Key: stage.Key, Status: status, Value: lagMinutes, Message: msg}
}

// CheckAll measures every stage, applies the upstream diagnosis, and raises at
// most one aggregate alert.
func (s *StallDetector) CheckAll(ctx context.Context) Summary {
	started := s.now()
	summary := Summary{Detector: "stalls", Date: started}

	byKey := make(map[string]int, len(s.stages))
	for _, stage := range s.stages {
		stage := stage
		res := checkKey(s.logger, stage.Key, func() Result {
			return s.CheckOne(ctx, stage)
		})
		byKey[stage.Key] = len(summary.Results)
		summary.Results = append(summary.Results, res)
	}

	// One level of indirection only: a stalled stage whose upstream is also
	// stalled or silent points at the upstream, and we do not drill further.
	for _, stage := range s.stages {
		idx := byKey[stage.Key]
		if summary.Results[idx].Status != models.StatusCritical || stage.DependsOn == "" {
			continue
		}
		upIdx, ok := byKey[stage.DependsOn]
		if !ok {
			continue
		}
		up := summary.Results[upIdx]
		if up.Status == models.StatusCritical || up.Status == models.StatusNoData {
			summary.Results[idx].Message += fmt.Sprintf(
				"; likely root cause: upstream %s (%s)", stage.DependsOn, up.Status)
		}
	}

	reportSummary(ctx, s.alerts, "stalls", "Pipeline stage stalled", summary)
	metrics.ObserveCheck("stalls", string(summary.Overall()), s.now().Sub(started))
	return summary
}
