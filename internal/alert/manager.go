package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
)

// Event is one outbound notification. Events are transient: constructed,
// possibly forwarded, possibly merged into a batch summary.
type Event struct {
	Severity  models.Severity
	Title     string
	Message   string
	Category  string
	Context   map[string]any
	Timestamp time.Time
}

// Notifier delivers events to one outbound channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// maxBatchSamples caps the contexts carried into a flush summary.
const maxBatchSamples = 3

// Options configures a Manager.
type Options struct {
	RateLimitWindow time.Duration
	MaxPerWindow    int
	// Clock is injectable for deterministic window tests; defaults to time.Now.
	Clock func() time.Time
	// Primary channels receive critical alerts only. Secondary channels
	// receive warning and critical. Info stays in the local log.
	Primary   []Notifier
	Secondary []Notifier
}

// Manager rate-limits, batches, and fans out alerts. Rate-limit history and
// batch state are process-local and reset on restart, which fails open: a
// restart can only let more alerts through, never fewer.
type Manager struct {
	logger       *slog.Logger
	now          func() time.Time
	window       time.Duration
	maxPerWindow int
	primary      []Notifier
	secondary    []Notifier

	mu           sync.Mutex
	history      map[string][]time.Time
	batches      map[string]*batchState
	backfillMode bool
}

type batchState struct {
	count   int
	samples []map[string]any
}

// NewManager constructs an alert manager.
func NewManager(logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Hour
	}
	if opts.MaxPerWindow <= 0 {
		opts.MaxPerWindow = 10
	}
	return &Manager{
		logger:       logger,
		now:          opts.Clock,
		window:       opts.RateLimitWindow,
		maxPerWindow: opts.MaxPerWindow,
		primary:      opts.Primary,
		secondary:    opts.Secondary,
		history:      make(map[string][]time.Time),
		batches:      make(map[string]*batchState),
	}
}

// SetBackfillMode toggles backfill-mode suppression. While active, everything
// below critical is suppressed outright, force included.
func (m *Manager) SetBackfillMode(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backfillMode = active
}

// InBackfillMode reports whether backfill-mode suppression is active.
func (m *Manager) InBackfillMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backfillMode
}

// Send decides whether to forward, suppress, or batch the event. It returns
// true only when the event was actually forwarded. force bypasses the rate
// limiter but never the backfill-mode policy.
func (m *Manager) Send(ctx context.Context, ev Event, force bool) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	m.mu.Lock()
	if m.backfillMode && ev.Severity != models.SeverityCritical {
		m.mu.Unlock()
		m.logger.Info("alert suppressed during backfill",
			slog.String("category", ev.Category),
			slog.String("title", ev.Title),
			slog.String("severity", string(ev.Severity)))
		metrics.CountAlert(ev.Category, metrics.AlertSuppressed)
		return false
	}

	if !m.allowLocked(ev.Category) && !force {
		m.batchLocked(ev)
		m.mu.Unlock()
		m.logger.Info("alert rate-limited, batched",
			slog.String("category", ev.Category),
			slog.String("title", ev.Title))
		metrics.CountAlert(ev.Category, metrics.AlertRateLimited)
		return false
	}

	m.history[ev.Category] = append(m.history[ev.Category], ev.Timestamp)
	m.mu.Unlock()

	m.deliver(ctx, ev)
	metrics.CountAlert(ev.Category, metrics.AlertForwarded)
	return true
}

// FlushBatched emits one summary per category with pending batched alerts and
// clears the batches. Callers ending a bounded operation (a backfill run, a
// CLI invocation) must call this or batched notifications are lost.
func (m *Manager) FlushBatched(ctx context.Context) int {
	m.mu.Lock()
	pending := m.batches
	m.batches = make(map[string]*batchState)
	m.mu.Unlock()

	flushed := 0
	for category, batch := range pending {
		if batch.count == 0 {
			continue
		}
		summary := Event{
			Severity: models.SeverityWarning,
			Title:    "Batched alerts: " + category,
			Message:  "alerts were rate-limited in this category",
			Category: category,
			Context: map[string]any{
				"count":   batch.count,
				"samples": batch.samples,
			},
			Timestamp: m.now(),
		}
		m.deliver(ctx, summary)
		flushed++
	}
	return flushed
}

// allowLocked prunes history older than the window and reports whether the
// category is under its limit. Breach is inclusive: count >= max blocks.
func (m *Manager) allowLocked(category string) bool {
	cutoff := m.now().Add(-m.window)
	entries := m.history[category]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.history[category] = kept
	return len(kept) < m.maxPerWindow
}

func (m *Manager) batchLocked(ev Event) {
	batch := m.batches[ev.Category]
	if batch == nil {
		batch = &batchState{}
		m.batches[ev.Category] = batch
	}
	batch.count++
	if len(batch.samples) < maxBatchSamples && ev.Context != nil {
		batch.samples = append(batch.samples, ev.Context)
	}
}

// deliver logs the event and forwards it to severity-appropriate channels.
// Channel failures degrade to logging; the monitor must never crash the
// pipeline it watches over a notification hiccup.
func (m *Manager) deliver(ctx context.Context, ev Event) {
	m.logger.LogAttrs(ctx, levelFor(ev.Severity), ev.Title,
		slog.String("category", ev.Category),
		slog.String("severity", string(ev.Severity)),
		slog.String("message", ev.Message))

	var targets []Notifier
	switch ev.Severity {
	case models.SeverityCritical:
		targets = append(targets, m.primary...)
		targets = append(targets, m.secondary...)
	case models.SeverityWarning:
		targets = m.secondary
	}

	for _, ch := range targets {
		if err := ch.Notify(ctx, ev); err != nil {
			m.logger.Warn("alert channel delivery failed",
				slog.String("channel", ch.Name()),
				slog.String("category", ev.Category),
				slog.Any("error", err))
		}
	}
}

func levelFor(s models.Severity) slog.Level {
	switch s {
	case models.SeverityCritical:
		return slog.LevelError
	case models.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
