// Package detect holds the threshold detectors that watch the pipeline:
// freshness, gaps, stalls, prediction coverage, and completeness. Detectors
// are stateless between runs; an external scheduler (or an inbound event)
// invokes them and they read shared state, compute a verdict, and raise at
// most one aggregate alert per run.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/models"
)

// Result is the verdict for one checked key.
type Result struct {
	Key     string             `json:"key"`
	Status  models.CheckStatus `json:"status"`
	Value   float64            `json:"value"`
	Message string             `json:"message"`
}

// Summary aggregates one detector run.
type Summary struct {
	Detector string    `json:"detector"`
	Date     time.Time `json:"date"`
	Results  []Result  `json:"results"`
}

// Overall collapses the run to its worst observed status: any critical or
// warning wins, then error, then ok. NoData never escalates.
func (s Summary) Overall() models.CheckStatus {
	overall := models.StatusNoData
	hasError := false
	for _, r := range s.Results {
		switch {
		case r.Status == models.StatusError:
			hasError = true
		case r.Status.Comparable():
			overall = models.WorseOf(overall, r.Status)
		}
	}
	if overall == models.StatusNoData {
		if hasError {
			return models.StatusError
		}
		return models.StatusNoData
	}
	if overall == models.StatusOK && hasError {
		return models.StatusError
	}
	return overall
}

// Breaching returns the results at warning or critical.
func (s Summary) Breaching() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == models.StatusWarning || r.Status == models.StatusCritical {
			out = append(out, r)
		}
	}
	return out
}

// classify compares a measured value against thresholds. Breach is inclusive
// of the boundary: value >= threshold trips it.
func classify(value, warning, critical float64) models.CheckStatus {
	switch {
	case critical > 0 && value >= critical:
		return models.StatusCritical
	case warning > 0 && value >= warning:
		return models.StatusWarning
	default:
		return models.StatusOK
	}
}

// checkKey runs one per-key check with panic isolation so a single bad key
// never aborts the batch.
func checkKey(logger *slog.Logger, key string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("check panicked",
				slog.String("key", key), slog.Any("panic", r))
			res = Result{Key: key, Status: models.StatusError, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	return fn()
}

// reportSummary sends at most one alert for the run, listing breaching keys,
// instead of fanning out one alert per key.
func reportSummary(ctx context.Context, alerts *alert.Manager, category, title string, s Summary) {
	if alerts == nil {
		return
	}
	overall := s.Overall()
	if overall != models.StatusWarning && overall != models.StatusCritical {
		return
	}

	breaching := s.Breaching()
	keys := make([]string, 0, len(breaching))
	details := make(map[string]any, len(breaching))
	for _, r := range breaching {
		keys = append(keys, r.Key)
		details[r.Key] = r.Message
	}

	alerts.Send(ctx, alert.Event{
		Severity: models.SeverityFor(overall),
		Title:    title,
		Message:  fmt.Sprintf("%d of %d checks breaching: %s", len(breaching), len(s.Results), strings.Join(keys, ", ")),
		Category: category,
		Context:  details,
	}, false)
}
