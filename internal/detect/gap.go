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
	"github.com/courtdata/sentinel/internal/utils"
)

// GapKind classifies a blob-vs-warehouse comparison.
type GapKind string

const (
	// GapNone: both sides present, healthy.
	GapNone GapKind = "none"
	// GapMissingWarehouse: raw objects exist but the warehouse is empty for
	// the date. This is a genuine processing gap and the only kind that
	// alerts and triggers recovery.
	GapMissingWarehouse GapKind = "no_warehouse"
	// GapMissingBlob: warehouse rows exist but the raw objects are gone,
	// most likely blob retention cleanup. Not alertable.
	GapMissingBlob GapKind = "no_blob"
	// GapNoData: both sides empty, inconclusive.
	GapNoData GapKind = "no_data"
)

// GapReport is the two-source comparison outcome for one configured source.
type GapReport struct {
	Source         string  `json:"source"`
	GapType        string  `json:"gap_type"`
	Kind           GapKind `json:"kind"`
	BlobCount      int64   `json:"blob_count"`
	WarehouseCount int64   `json:"warehouse_count"`
}

// HasGap reports whether the comparison found an actionable processing gap.
func (g GapReport) HasGap() bool { return g.Kind == GapMissingWarehouse }

// BlobCounter counts raw objects under a date-scoped prefix.
type BlobCounter interface {
	CountForDate(ctx context.Context, prefix string, date time.Time) (int64, error)
}

// RowCounter counts warehouse rows for a date.
type RowCounter interface {
	RowCountForDate(ctx context.Context, table, dateColumn string, date time.Time) (int64, error)
}

// GapDetector cross-references raw blob storage against the warehouse to find
// scraped-but-never-processed dates.
type GapDetector struct {
	blob    BlobCounter
	rows    RowCounter
	sources []config.GapSource
	alerts  *alert.Manager
	publish func(models.GapSignal) error
	logger  *slog.Logger
	now     func() time.Time
}

// NewGapDetector constructs the detector. publish may be nil (CLI dry runs);
// detected gaps are then only reported, not routed to the backfill trigger.
func NewGapDetector(logger *slog.Logger, blob BlobCounter, rows RowCounter, sources []config.GapSource, alerts *alert.Manager, publish func(models.GapSignal) error) *GapDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapDetector{
		blob:    blob,
		rows:    rows,
		sources: sources,
		alerts:  alerts,
		publish: publish,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckSource compares one source for one business date.
func (g *GapDetector) CheckSource(ctx context.Context, src config.GapSource, date time.Time) (GapReport, error) {
	report := GapReport{Source: src.Name, GapType: src.GapType}

	blobCount, err := g.blob.CountForDate(ctx, src.Prefix, date)
	if err != nil {
		return report, fmt.Errorf("count blobs for %s: %w", src.Name, err)
	}
	whCount, err := g.rows.RowCountForDate(ctx, src.Table, src.DateColumn, date)
	if err != nil {
		return report, fmt.Errorf("count rows for %s: %w", src.Name, err)
	}

	report.BlobCount = blobCount
	report.WarehouseCount = whCount
	switch {
	case blobCount > 0 && whCount == 0:
		report.Kind = GapMissingWarehouse
	case blobCount == 0 && whCount > 0:
		report.Kind = GapMissingBlob
	case blobCount == 0 && whCount == 0:
		report.Kind = GapNoData
	default:
		report.Kind = GapNone
	}
	return report, nil
}

// CheckAll compares every configured source for the date, raises one aggregate
// alert for actionable gaps, and publishes a gap signal per gap so the
// backfill trigger can react.
func (g *GapDetector) CheckAll(ctx context.Context, date time.Time) (Summary, []GapReport) {
	started := g.now()
	summary := Summary{Detector: "gaps", Date: date}
	reports := make([]GapReport, 0, len(g.sources))

	for _, src := range g.sources {
		src := src
		var report GapReport
		res := checkKey(g.logger, src.Name, func() Result {
			var err error
			report, err = g.CheckSource(ctx, src, date)
			if err != nil {
				return Result{Key: src.Name, Status: models.StatusError, Message: err.Error()}
			}
			return gapResult(report)
		})
		summary.Results = append(summary.Results, res)
		if report.Source != "" {
			reports = append(reports, report)
		}
	}

	reportSummary(ctx, g.alerts, "gaps", "Unprocessed raw data detected", summary)
	g.publishGaps(date, reports)
	metrics.ObserveCheck("gaps", string(summary.Overall()), g.now().Sub(started))
	return summary, reports
}

func gapResult(report GapReport) Result {
	res := Result{Key: report.Source, Value: float64(report.BlobCount)}
	switch report.Kind {
	case GapMissingWarehouse:
		res.Status = models.StatusWarning
		res.Message = fmt.Sprintf("%d raw objects, 0 warehouse rows", report.BlobCount)
	case GapMissingBlob:
		res.Status = models.StatusOK
		res.Message = fmt.Sprintf("warehouse has %d rows, raw objects cleaned up", report.WarehouseCount)
	case GapNoData:
		res.Status = models.StatusNoData
		res.Message = "no data on either side"
	default:
		res.Status = models.StatusOK
		res.Message = fmt.Sprintf("%d raw objects, %d warehouse rows", report.BlobCount, report.WarehouseCount)
	}
	return res
}

func (g *GapDetector) publishGaps(date time.Time, reports []GapReport) {
	if g.publish == nil {
		return
	}
	for _, report := range reports {
		if !report.HasGap() || report.GapType == "" {
			continue
		}
		sig := models.GapSignal{
			GapType:    report.GapType,
			DetectedAt: g.now(),
			Source:     "gap-detector",
			Severity:   models.SeverityWarning,
			GameDates:  []string{utils.FormatDate(date)},
		}
		if err := g.publish(sig); err != nil {
			g.logger.Warn("publish gap signal failed",
				slog.String("gap_type", report.GapType), slog.Any("error", err))
		}
	}
}
