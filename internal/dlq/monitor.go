// Package dlq watches dead-letter streams for poisoned messages.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/bus"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
)

const (
	maxSamples      = 3
	maxSampleLength = 200
)

// Inspector reads a dead-letter stream without consuming it.
type Inspector interface {
	PeekDLQ(ctx context.Context, stream string, limit int, wait time.Duration) ([]bus.DLQMessage, error)
	DLQDepth(ctx context.Context, stream string) (int64, error)
}

// QueueReport describes one stream check.
type QueueReport struct {
	Queue   string   `json:"queue"`
	Count   int64    `json:"count"`
	Samples []string `json:"samples,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Monitor checks each configured dead-letter stream. A non-empty stream means
// messages already exhausted their retries, so the alert is forced past the
// rate limiter; a per-queue cooldown keeps repeat sweeps of the same backlog
// from re-paging.
type Monitor struct {
	inspector Inspector
	cfg       config.DLQConfig
	alerts    *alert.Manager
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewMonitor constructs the monitor.
func NewMonitor(logger *slog.Logger, inspector Inspector, cfg config.DLQConfig, alerts *alert.Manager) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		inspector: inspector,
		cfg:       cfg,
		alerts:    alerts,
		logger:    logger,
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// CheckQueue inspects one stream. The peek never acknowledges messages; when
// it returns a full page the exact stream depth is read instead of reporting
// the truncated count.
func (m *Monitor) CheckQueue(ctx context.Context, queue string) QueueReport {
	report := QueueReport{Queue: queue}

	limit := m.cfg.PeekLimit
	if limit <= 0 {
		limit = 10
	}
	msgs, err := m.inspector.PeekDLQ(ctx, queue, limit, m.cfg.FetchWait)
	if err != nil {
		report.Err = err.Error()
		return report
	}

	report.Count = int64(len(msgs))
	if len(msgs) >= limit {
		depth, err := m.inspector.DLQDepth(ctx, queue)
		if err != nil {
			m.logger.Warn("dlq depth lookup failed, reporting peeked count",
				slog.String("queue", queue), slog.Any("error", err))
		} else {
			report.Count = depth
		}
	}

	for _, msg := range msgs {
		if len(report.Samples) >= maxSamples {
			break
		}
		report.Samples = append(report.Samples, sample(msg))
	}
	return report
}

// CheckAll sweeps every configured stream and alerts on non-empty ones.
func (m *Monitor) CheckAll(ctx context.Context) []QueueReport {
	started := m.now()
	reports := make([]QueueReport, 0, len(m.cfg.Streams))
	overall := models.StatusOK

	for _, queue := range m.cfg.Streams {
		report := m.CheckQueue(ctx, queue)
		reports = append(reports, report)

		switch {
		case report.Err != "":
			overall = models.StatusError
			m.logger.Error("dlq check failed",
				slog.String("queue", queue), slog.String("error", report.Err))
		case report.Count > 0:
			if overall != models.StatusError {
				overall = models.StatusCritical
			}
			metrics.SetDLQDepth(queue, float64(report.Count))
			m.alertQueue(ctx, report)
		default:
			metrics.SetDLQDepth(queue, 0)
		}
	}

	metrics.ObserveCheck("dlq", string(overall), m.now().Sub(started))
	return reports
}

// alertQueue forces the alert through the rate limiter, bounded by the
// per-queue cooldown.
func (m *Monitor) alertQueue(ctx context.Context, report QueueReport) {
	if m.alerts == nil {
		return
	}

	now := m.now()
	m.mu.Lock()
	if last, ok := m.lastAlert[report.Queue]; ok && now.Sub(last) < m.cfg.Cooldown {
		m.mu.Unlock()
		m.logger.Info("dlq alert within cooldown, skipping",
			slog.String("queue", report.Queue), slog.Int64("count", report.Count))
		return
	}
	m.lastAlert[report.Queue] = now
	m.mu.Unlock()

	m.alerts.Send(ctx, alert.Event{
		Severity: models.SeverityCritical,
		Title:    "Dead-letter messages detected",
		Message:  fmt.Sprintf("%d messages in %s", report.Count, report.Queue),
		Category: "dlq",
		Context: map[string]any{
			"queue":   report.Queue,
			"count":   report.Count,
			"samples": report.Samples,
		},
	}, true)
}

func sample(msg bus.DLQMessage) string {
	body := string(msg.Data)
	if len(body) > maxSampleLength {
		body = body[:maxSampleLength] + "..."
	}
	if msg.Subject == "" {
		return body
	}
	return msg.Subject + ": " + body
}
