package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/cache"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/metrics"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/store"
)

// RequestStore is the durable dedup ledger for backfill requests.
type RequestStore interface {
	Get(ctx context.Context, requestID string) (*models.BackfillRequest, error)
	Create(ctx context.Context, req models.BackfillRequest) (bool, error)
	Reset(ctx context.Context, requestID string, createdAt time.Time) error
	MarkTriggered(ctx context.Context, requestID string, at time.Time) error
	MarkFailed(ctx context.Context, requestID string, at time.Time) error
}

// Recoverer posts the actual backfill request to the pipeline.
type Recoverer interface {
	Supports(gapType string) bool
	Trigger(ctx context.Context, gapType string, start, end time.Time, gameIDs []string) (string, error)
}

// Trigger consumes gap signals and decides, per deduplicated gap, whether to
// start a recovery run. Dedup truth lives in the request store; the cache is
// only a short-lived guard against two instances racing on the same signal
// and is fail-open on any cache error.
type Trigger struct {
	requests RequestStore
	recovery Recoverer
	guard    cache.Provider
	guardTTL time.Duration
	alerts   *alert.Manager
	cfg      config.BackfillConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewTrigger constructs the trigger. guard may be nil.
func NewTrigger(logger *slog.Logger, requests RequestStore, recovery Recoverer, guard cache.Provider, guardTTL time.Duration, cfg config.BackfillConfig, alerts *alert.Manager) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if guardTTL <= 0 {
		guardTTL = time.Minute
	}
	return &Trigger{
		requests: requests,
		recovery: recovery,
		guard:    guard,
		guardTTL: guardTTL,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleGap processes one inbound gap signal end to end: validate, dedup,
// claim, trigger, record the outcome, and emit exactly one terminal
// notification when a run was actually attempted.
func (t *Trigger) HandleGap(ctx context.Context, sig models.GapSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	log := t.logger.With(slog.String("gap_type", sig.GapType))
	if !t.recovery.Supports(sig.GapType) {
		log.Info("no backfill endpoint for gap type, ignoring")
		metrics.CountBackfill(sig.GapType, metrics.BackfillSkipped)
		return nil
	}

	ids := CapIdentifiers(sig.Identifiers(), t.cfg.MaxGamesPerRequest)
	requestID := RequestID(sig.GapType, sig.Identifiers(), t.cfg.MaxGamesPerRequest)
	log = log.With(slog.String("request_id", requestID))

	if !t.claimGuard(ctx, requestID, log) {
		metrics.CountBackfill(sig.GapType, metrics.BackfillSkipped)
		return nil
	}

	ok, err := t.claimRequest(ctx, sig, requestID, log)
	if err != nil {
		return err
	}
	if !ok {
		metrics.CountBackfill(sig.GapType, metrics.BackfillSkipped)
		return nil
	}

	return t.run(ctx, sig, requestID, ids, log)
}

// claimGuard takes the short-lived cross-instance lock. Cache failures never
// block recovery.
func (t *Trigger) claimGuard(ctx context.Context, requestID string, log *slog.Logger) bool {
	if t.guard == nil {
		return true
	}
	won, err := t.guard.SetNX(ctx, "backfill:claim:"+requestID, []byte("1"), t.guardTTL)
	if err != nil {
		log.Warn("backfill claim guard unavailable, proceeding", slog.Any("error", err))
		return true
	}
	if !won {
		log.Info("backfill already being handled elsewhere, skipping")
	}
	return won
}

// claimRequest enforces the durable cooldown. It reports true when this call
// owns the request and should trigger recovery.
func (t *Trigger) claimRequest(ctx context.Context, sig models.GapSignal, requestID string, log *slog.Logger) (bool, error) {
	now := t.now()

	existing, err := t.requests.Get(ctx, requestID)
	switch {
	case err == nil:
		age := now.Sub(existing.CreatedAt)
		if age < t.cfg.Cooldown {
			log.Info("backfill within cooldown, skipping",
				slog.Duration("age", age),
				slog.String("status", string(existing.Status)))
			t.notify(ctx, models.SeverityInfo, "Backfill skipped, within cooldown",
				fmt.Sprintf("duplicate %s gap arrived %s after the active request",
					sig.GapType, age.Round(time.Second)), sig, requestID)
			return false, nil
		}
		if err := t.requests.Reset(ctx, requestID, now); err != nil {
			return false, fmt.Errorf("re-arm backfill request: %w", err)
		}
		log.Info("cooldown elapsed, re-arming backfill")
		return true, nil

	case errors.Is(err, store.ErrNotFound):
		created, err := t.requests.Create(ctx, models.BackfillRequest{
			RequestID: requestID,
			GapType:   sig.GapType,
			Status:    models.BackfillPending,
			CreatedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("create backfill request: %w", err)
		}
		if !created {
			log.Info("backfill request created concurrently, skipping")
		}
		return created, nil

	default:
		return false, fmt.Errorf("read backfill request: %w", err)
	}
}

// run performs the recovery call with alert suppression active, records the
// outcome, and sends the single terminal notification.
func (t *Trigger) run(ctx context.Context, sig models.GapSignal, requestID string, ids []string, log *slog.Logger) error {
	start, end := sig.DateWindow()
	var gameIDs []string
	if len(sig.GameIDs) > 0 {
		gameIDs = ids
	}

	if t.alerts != nil {
		t.alerts.SetBackfillMode(true)
	}
	correlationID, triggerErr := t.recovery.Trigger(ctx, sig.GapType, start, end, gameIDs)
	if t.alerts != nil {
		t.alerts.SetBackfillMode(false)
	}

	now := t.now()
	if triggerErr != nil {
		if err := t.requests.MarkFailed(ctx, requestID, now); err != nil {
			log.Error("mark backfill failed", slog.Any("error", err))
		}
		metrics.CountBackfill(sig.GapType, metrics.BackfillFailed)
		t.notify(ctx, sig.Severity, "Backfill trigger failed",
			fmt.Sprintf("recovery call for %s failed: %v", sig.GapType, triggerErr), sig, requestID)
		t.flush(ctx)
		return triggerErr
	}

	if err := t.requests.MarkTriggered(ctx, requestID, now); err != nil {
		log.Error("mark backfill triggered", slog.Any("error", err))
	}
	metrics.CountBackfill(sig.GapType, metrics.BackfillTriggered)
	log.Info("backfill triggered", slog.String("correlation_id", correlationID))
	t.notify(ctx, models.SeverityInfo, "Backfill triggered",
		fmt.Sprintf("recovery run started for %s (%d identifiers, correlation %s)",
			sig.GapType, len(ids), correlationID), sig, requestID)
	t.flush(ctx)
	return nil
}

func (t *Trigger) notify(ctx context.Context, severity models.Severity, title, message string, sig models.GapSignal, requestID string) {
	if t.alerts == nil {
		return
	}
	t.alerts.Send(ctx, alert.Event{
		Severity: severity,
		Title:    title,
		Message:  message,
		Category: "backfill",
		Context: map[string]any{
			"gap_type":   sig.GapType,
			"request_id": requestID,
			"source":     sig.Source,
		},
	}, false)
}

func (t *Trigger) flush(ctx context.Context) {
	if t.alerts == nil {
		return
	}
	if n := t.alerts.FlushBatched(ctx); n > 0 {
		t.logger.Info("flushed batched alerts after backfill", slog.Int("count", n))
	}
}
