// Command sentinelctl runs detectors from the command line for ad-hoc and
// scheduled (cron) checks. Logs go to stderr so --json output on stdout stays
// machine-readable. The exit code encodes the worst finding: 0 healthy or no
// data, 1 warnings, 2 critical or errored checks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/blob"
	"github.com/courtdata/sentinel/internal/bus"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/detect"
	"github.com/courtdata/sentinel/internal/dlq"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/store"
	"github.com/courtdata/sentinel/internal/utils"
)

const (
	exitOK       = 0
	exitWarning  = 1
	exitCritical = 2
)

type output struct {
	Check     string            `json:"check"`
	Summaries []detect.Summary  `json:"summaries,omitempty"`
	Queues    []dlq.QueueReport `json:"queues,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		check      string
		dateFlag   string
		startFlag  string
		endFlag    string
		threshold  string
		dryRun     bool
		jsonOut    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&check, "check", "all", "Detector to run: freshness, gaps, stalls, coverage, latency, dlq, all")
	flag.StringVar(&dateFlag, "date", "", "Business date (YYYY-MM-DD), defaults to yesterday")
	flag.StringVar(&startFlag, "start-date", "", "Start of a date range (YYYY-MM-DD)")
	flag.StringVar(&endFlag, "end-date", "", "End of a date range (YYYY-MM-DD)")
	flag.StringVar(&threshold, "threshold", "", "Override warning,critical thresholds for the selected check, in its native units (e.g. --check freshness --threshold 2,6)")
	flag.BoolVar(&dryRun, "dry-run", false, "Report findings without sending alerts or publishing gap signals")
	flag.BoolVar(&jsonOut, "json", false, "Emit findings as JSON on stdout")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitCritical
	}
	if threshold != "" {
		if err := applyThreshold(cfg, check, threshold); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitCritical
		}
	}
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	dates, err := resolveDates(dateFlag, startFlag, endFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCritical
	}

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Warehouse.DSN, cfg.Warehouse.QueryTimeout)
	if err != nil {
		logger.Error("warehouse unreachable", slog.Any("error", err))
		return exitCritical
	}
	defer db.Close()
	warehouse := store.NewWarehouse(db)

	var alerts *alert.Manager
	if !dryRun {
		alerts = alert.NewManager(logger, alert.Options{
			RateLimitWindow: cfg.Alerts.RateLimitWindow,
			MaxPerWindow:    cfg.Alerts.MaxPerWindow,
			Primary:         webhooks("primary", cfg.Alerts.PrimaryWebhookURL, cfg.Alerts.WebhookTimeout),
			Secondary:       webhooks("secondary", cfg.Alerts.SecondaryWebhookURL, cfg.Alerts.WebhookTimeout),
		})
	}

	out := output{Check: check}
	worst := models.StatusNoData

	runDetector := func(name string, fn func() detect.Summary) {
		if check != "all" && check != name {
			return
		}
		summary := fn()
		out.Summaries = append(out.Summaries, summary)
		worst = worseStatus(worst, summary.Overall())
	}

	runDetector("freshness", func() detect.Summary {
		checker := detect.NewFreshnessChecker(logger, warehouse, cfg.Freshness, alerts)
		active := hasActivity(ctx, logger, warehouse, dates)
		return checker.CheckAll(ctx, active)
	})

	if check == "all" || check == "gaps" {
		blobClient, err := blob.NewClient(blob.Config{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			logger.Error("blob store client failed", slog.Any("error", err))
			return exitCritical
		}
		detector := detect.NewGapDetector(logger, blobClient, warehouse, cfg.Gaps, alerts, nil)
		for _, date := range dates {
			summary, _ := detector.CheckAll(ctx, date)
			out.Summaries = append(out.Summaries, summary)
			worst = worseStatus(worst, summary.Overall())
		}
	}

	runDetector("stalls", func() detect.Summary {
		return detect.NewStallDetector(logger, warehouse, cfg.Stalls, alerts).CheckAll(ctx)
	})

	if check == "all" || check == "coverage" {
		monitor := detect.NewCoverageMonitor(logger, warehouse, cfg.Coverage, alerts)
		for _, date := range dates {
			summary := monitor.CheckAll(ctx, date)
			out.Summaries = append(out.Summaries, summary)
			worst = worseStatus(worst, summary.Overall())
		}
	}

	if check == "all" || check == "latency" {
		tracker := detect.NewLatencyTracker(logger, warehouse, store.NewLatencyHistory(db), cfg.Latency, alerts)
		for _, date := range dates {
			summary := tracker.CheckAll(ctx, date)
			out.Summaries = append(out.Summaries, summary)
			worst = worseStatus(worst, summary.Overall())
		}
	}

	if (check == "all" || check == "dlq") && cfg.Bus.URL != "" {
		busConn, err := bus.Connect(cfg.Bus.URL, cfg.Bus.ConnectTimeout, logger)
		if err != nil {
			logger.Error("message bus unreachable", slog.Any("error", err))
			return exitCritical
		}
		defer busConn.Close()
		monitor := dlq.NewMonitor(logger, busConn, cfg.Bus.DLQ, alerts)
		out.Queues = monitor.CheckAll(ctx)
		for _, q := range out.Queues {
			switch {
			case q.Err != "":
				worst = worseStatus(worst, models.StatusError)
			case q.Count > 0:
				worst = worseStatus(worst, models.StatusCritical)
			}
		}
	}

	if alerts != nil {
		alerts.FlushBatched(ctx)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			logger.Error("encode output", slog.Any("error", err))
			return exitCritical
		}
	} else {
		printText(out)
	}

	switch worst {
	case models.StatusCritical, models.StatusError:
		return exitCritical
	case models.StatusWarning:
		return exitWarning
	default:
		return exitOK
	}
}

// resolveDates yields the business dates to check: an explicit range, a
// single date, or yesterday.
func resolveDates(date, start, end string) ([]time.Time, error) {
	switch {
	case start != "" && end != "":
		s, err := utils.ParseDate(start)
		if err != nil {
			return nil, fmt.Errorf("start-date: %w", err)
		}
		e, err := utils.ParseDate(end)
		if err != nil {
			return nil, fmt.Errorf("end-date: %w", err)
		}
		return utils.DateRange(s, e), nil
	case start != "" || end != "":
		return nil, fmt.Errorf("start-date and end-date must be used together")
	case date != "":
		d, err := utils.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
		return []time.Time{d}, nil
	default:
		yesterday := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		return []time.Time{yesterday}, nil
	}
}

// applyThreshold overrides the selected check's warning/critical thresholds
// with an ad-hoc "warning,critical" pair, in the check's native units. Gaps
// and dlq have no numeric thresholds, and "all" would mix units.
func applyThreshold(cfg *config.Config, check, spec string) error {
	warning, critical, err := parseThreshold(spec)
	if err != nil {
		return err
	}
	switch check {
	case "freshness":
		for i := range cfg.Freshness {
			cfg.Freshness[i].WarningHours = warning
			cfg.Freshness[i].CriticalHours = critical
		}
	case "stalls":
		for i := range cfg.Stalls {
			cfg.Stalls[i].ExpectedMinutes = warning
			cfg.Stalls[i].StallMinutes = critical
		}
	case "coverage":
		cfg.Coverage.WarningMissing = warning
		cfg.Coverage.CriticalMissing = critical
	case "latency":
		cfg.Latency.EndToEndWarning = warning
		cfg.Latency.EndToEndCritical = critical
	default:
		return fmt.Errorf("threshold override needs --check freshness, stalls, coverage, or latency, got %q", check)
	}
	return nil
}

func parseThreshold(spec string) (warning, critical float64, err error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("threshold: want warning,critical, got %q", spec)
	}
	warning, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("threshold warning: %w", err)
	}
	critical, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("threshold critical: %w", err)
	}
	if critical < warning {
		return 0, 0, fmt.Errorf("threshold: critical %g below warning %g", critical, warning)
	}
	return warning, critical, nil
}

func hasActivity(ctx context.Context, logger *slog.Logger, warehouse *store.Warehouse, dates []time.Time) bool {
	for _, date := range dates {
		n, err := warehouse.ScheduledGameCount(ctx, date)
		if err != nil {
			logger.Warn("activity probe failed, assuming active", slog.Any("error", err))
			return true
		}
		if n > 0 {
			return true
		}
	}
	return false
}

func worseStatus(a, b models.CheckStatus) models.CheckStatus {
	if b == models.StatusError || b == models.StatusCritical {
		return models.StatusCritical
	}
	if !b.Comparable() {
		return a
	}
	return models.WorseOf(a, b)
}

func printText(out output) {
	for _, summary := range out.Summaries {
		fmt.Printf("%s (%s): %s\n", summary.Detector, utils.FormatDate(summary.Date), summary.Overall())
		for _, res := range summary.Results {
			fmt.Printf("  %-24s %-10s %s\n", res.Key, res.Status, res.Message)
		}
	}
	for _, q := range out.Queues {
		if q.Err != "" {
			fmt.Printf("dlq %s: error: %s\n", q.Queue, q.Err)
			continue
		}
		fmt.Printf("dlq %s: %d messages\n", q.Queue, q.Count)
	}
}

func webhooks(name, url string, timeout time.Duration) []alert.Notifier {
	if url == "" {
		return nil
	}
	return []alert.Notifier{alert.NewWebhookNotifier(name, url, timeout)}
}
