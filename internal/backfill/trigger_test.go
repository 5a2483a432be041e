package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/courtdata/sentinel/internal/alert"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/store"
)

type sinkNotifier struct {
	events []alert.Event
}

func (s *sinkNotifier) Name() string { return "sink" }

func (s *sinkNotifier) Notify(_ context.Context, ev alert.Event) error {
	s.events = append(s.events, ev)
	return nil
}

type memRequests struct {
	mu   sync.Mutex
	rows map[string]*models.BackfillRequest
}

func newMemRequests() *memRequests {
	return &memRequests{rows: make(map[string]*models.BackfillRequest)}
}

func (m *memRequests) Get(_ context.Context, requestID string) (*models.BackfillRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memRequests) Create(_ context.Context, req models.BackfillRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[req.RequestID]; exists {
		return false, nil
	}
	cp := req
	m.rows[req.RequestID] = &cp
	return true, nil
}

func (m *memRequests) Reset(_ context.Context, requestID string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[requestID]; ok {
		row.Status = models.BackfillPending
		row.CreatedAt = createdAt
	}
	return nil
}

func (m *memRequests) MarkTriggered(_ context.Context, requestID string, at time.Time) error {
	return m.transition(requestID, models.BackfillTriggered, at)
}

func (m *memRequests) MarkFailed(_ context.Context, requestID string, at time.Time) error {
	return m.transition(requestID, models.BackfillFailed, at)
}

func (m *memRequests) transition(requestID string, status models.BackfillStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[requestID]
	if !ok {
		return fmt.Errorf("no such request %s", requestID)
	}
	row.Status = status
	row.TriggerAttempts++
	row.LastTriggerAt = &at
	return nil
}

type fakeRecovery struct {
	calls      int
	lastIDs    []string
	lastStart  string
	lastEnd    string
	err        error
	duringCall func()
}

func (f *fakeRecovery) Supports(gapType string) bool { return gapType != "unsupported" }

func (f *fakeRecovery) Trigger(_ context.Context, _ string, start, end time.Time, gameIDs []string) (string, error) {
	f.calls++
	f.lastIDs = gameIDs
	f.lastStart = start.Format("2006-01-02")
	f.lastEnd = end.Format("2006-01-02")
	if f.duringCall != nil {
		f.duringCall()
	}
	if f.err != nil {
		return "", f.err
	}
	return "corr-1", nil
}

func backfillConfig() config.BackfillConfig {
	return config.BackfillConfig{
		Cooldown:           4 * time.Hour,
		MaxGamesPerRequest: 50,
	}
}

func gapSignal(ids ...string) models.GapSignal {
	return models.GapSignal{
		GameIDs:    ids,
		GapType:    "boxscores",
		DetectedAt: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
		Source:     "gap-detector",
		Severity:   models.SeverityWarning,
		GameDates:  []string{"2025-03-09"},
	}
}

func TestRequestIDOrderIndependent(t *testing.T) {
	a := RequestID("boxscores", []string{"g1", "g2", "g3"}, 50)
	b := RequestID("boxscores", []string{"g3", "g1", "g2"}, 50)
	if a != b {
		t.Fatalf("same gap hashed differently: %s vs %s", a, b)
	}
	if c := RequestID("odds", []string{"g1", "g2", "g3"}, 50); c == a {
		t.Fatal("different gap types must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("request id length = %d, want 64 hex chars", len(a))
	}
}

func TestRequestIDCapsIdentifiers(t *testing.T) {
	var ids []string
	for i := 0; i < 80; i++ {
		ids = append(ids, fmt.Sprintf("g%03d", i))
	}
	capped := RequestID("boxscores", ids, 50)
	if capped != RequestID("boxscores", ids[:50], 50) {
		t.Fatal("identifiers beyond the cap must not affect the hash")
	}
	if got := CapIdentifiers(ids, 50); len(got) != 50 {
		t.Fatalf("capped to %d, want 50", len(got))
	}
}

func TestHandleGapDeduplicatesWithinCooldown(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{}
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), nil)

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	if err := tr.HandleGap(context.Background(), gapSignal("g1", "g2")); err != nil {
		t.Fatalf("first signal: %v", err)
	}

	// Same gap a minute later with ids in the opposite order.
	tr.now = func() time.Time { return base.Add(time.Minute) }
	if err := tr.HandleGap(context.Background(), gapSignal("g2", "g1")); err != nil {
		t.Fatalf("duplicate signal: %v", err)
	}

	if recovery.calls != 1 {
		t.Fatalf("recovery calls = %d, want 1", recovery.calls)
	}
	if len(requests.rows) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests.rows))
	}
}

func TestHandleGapReArmsAfterCooldown(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{}
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), nil)

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	if err := tr.HandleGap(context.Background(), gapSignal("g1")); err != nil {
		t.Fatalf("first signal: %v", err)
	}

	tr.now = func() time.Time { return base.Add(5 * time.Hour) }
	if err := tr.HandleGap(context.Background(), gapSignal("g1")); err != nil {
		t.Fatalf("re-armed signal: %v", err)
	}

	if recovery.calls != 2 {
		t.Fatalf("recovery calls = %d, want 2", recovery.calls)
	}
	row := requests.rows[RequestID("boxscores", []string{"g1"}, 50)]
	if row.Status != models.BackfillTriggered || row.TriggerAttempts != 2 {
		t.Fatalf("row after re-arm = %+v", row)
	}
}

func TestHandleGapRecoveryFailureIsRecorded(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{err: errors.New("pipeline unreachable")}
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), nil)

	err := tr.HandleGap(context.Background(), gapSignal("g1"))
	if err == nil {
		t.Fatal("expected trigger error to propagate")
	}
	row := requests.rows[RequestID("boxscores", []string{"g1"}, 50)]
	if row == nil || row.Status != models.BackfillFailed {
		t.Fatalf("row = %+v, want failed", row)
	}
}

func TestHandleGapFailureNotificationCarriesGapSeverity(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{err: errors.New("pipeline unreachable")}
	// Primary channels receive criticals only, so a failure notification
	// downgraded to warning would never reach the sink.
	sink := &sinkNotifier{}
	alerts := alert.NewManager(nil, alert.Options{Primary: []alert.Notifier{sink}})
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), alerts)

	sig := gapSignal("g1")
	sig.Severity = models.SeverityCritical
	if err := tr.HandleGap(context.Background(), sig); err == nil {
		t.Fatal("expected trigger error to propagate")
	}

	if len(sink.events) != 1 {
		t.Fatalf("primary channel events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Severity != models.SeverityCritical {
		t.Fatalf("failure severity = %s, want the gap's declared %s", ev.Severity, models.SeverityCritical)
	}
	if ev.Title != "Backfill trigger failed" {
		t.Fatalf("title = %q", ev.Title)
	}
}

func TestHandleGapCooldownSkipNotifiesLowSeverity(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	alerts := alert.NewManager(logger, alert.Options{})
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), alerts)

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	if err := tr.HandleGap(context.Background(), gapSignal("g1")); err != nil {
		t.Fatalf("first signal: %v", err)
	}

	buf.Reset()
	tr.now = func() time.Time { return base.Add(time.Minute) }
	if err := tr.HandleGap(context.Background(), gapSignal("g1")); err != nil {
		t.Fatalf("duplicate signal: %v", err)
	}

	if recovery.calls != 1 {
		t.Fatalf("recovery calls = %d, want 1", recovery.calls)
	}
	out := buf.String()
	if !strings.Contains(out, "Backfill skipped, within cooldown") {
		t.Fatalf("no cooldown notification in alert log:\n%s", out)
	}
	if !strings.Contains(out, "severity=info") {
		t.Fatalf("cooldown notification not info severity:\n%s", out)
	}
}

func TestHandleGapUnsupportedGapTypeIsIgnored(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{}
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), nil)

	sig := gapSignal("g1")
	sig.GapType = "unsupported"
	if err := tr.HandleGap(context.Background(), sig); err != nil {
		t.Fatalf("unsupported gap type: %v", err)
	}
	if recovery.calls != 0 || len(requests.rows) != 0 {
		t.Fatal("unsupported gap type must not touch the store or recovery")
	}
}

func TestHandleGapSuppressesAlertsDuringRecoveryCall(t *testing.T) {
	requests := newMemRequests()
	alerts := alert.NewManager(nil, alert.Options{})
	recovery := &fakeRecovery{}
	var duringCall bool
	recovery.duringCall = func() { duringCall = alerts.InBackfillMode() }

	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), alerts)
	if err := tr.HandleGap(context.Background(), gapSignal("g1")); err != nil {
		t.Fatalf("HandleGap: %v", err)
	}
	if !duringCall {
		t.Fatal("backfill mode not active during the recovery call")
	}
	if alerts.InBackfillMode() {
		t.Fatal("backfill mode left active after the run")
	}
}

func TestHandleGapUsesDateWindow(t *testing.T) {
	requests := newMemRequests()
	recovery := &fakeRecovery{}
	tr := NewTrigger(nil, requests, recovery, nil, 0, backfillConfig(), nil)

	sig := gapSignal()
	sig.GameIDs = nil
	sig.GameDates = []string{"2025-03-08", "2025-03-06", "2025-03-07"}
	if err := tr.HandleGap(context.Background(), sig); err != nil {
		t.Fatalf("HandleGap: %v", err)
	}
	if recovery.lastStart != "2025-03-06" || recovery.lastEnd != "2025-03-08" {
		t.Fatalf("window = %s..%s, want 2025-03-06..2025-03-08", recovery.lastStart, recovery.lastEnd)
	}
	if recovery.lastIDs != nil {
		t.Fatalf("date-only gap must not send game ids: %v", recovery.lastIDs)
	}
}
