package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courtdata/sentinel/internal/backfill"
	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/detect"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/store"
)

type fakeCoverage struct {
	scheduled int64
	predicted int64
}

func (f *fakeCoverage) ScheduledGameCount(context.Context, time.Time) (int64, error) {
	return f.scheduled, nil
}

func (f *fakeCoverage) PredictionCount(context.Context, time.Time) (int64, error) {
	return f.predicted, nil
}

type fakeRequests struct {
	created []models.BackfillRequest
}

func (f *fakeRequests) Get(context.Context, string) (*models.BackfillRequest, error) {
	return nil, store.ErrNotFound
}

func (f *fakeRequests) Create(_ context.Context, req models.BackfillRequest) (bool, error) {
	f.created = append(f.created, req)
	return true, nil
}

func (f *fakeRequests) Reset(context.Context, string, time.Time) error         { return nil }
func (f *fakeRequests) MarkTriggered(context.Context, string, time.Time) error { return nil }
func (f *fakeRequests) MarkFailed(context.Context, string, time.Time) error    { return nil }

type fakeRecovery struct{ calls int }

func (f *fakeRecovery) Supports(string) bool { return true }

func (f *fakeRecovery) Trigger(context.Context, string, time.Time, time.Time, []string) (string, error) {
	f.calls++
	return "corr-1", nil
}

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	svc.Routes(r)
	return r
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&Service{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestProcessCoverage(t *testing.T) {
	monitor := detect.NewCoverageMonitor(nil, &fakeCoverage{scheduled: 10, predicted: 10},
		config.CoverageConfig{WarningMissing: 0.2, CriticalMissing: 0.5}, nil)
	router := newTestRouter(&Service{Coverage: monitor})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process/coverage?date=2025-03-09", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var summary detect.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Detector != "coverage" || len(summary.Results) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Results[0].Status != models.StatusOK {
		t.Fatalf("result status = %s, want ok", summary.Results[0].Status)
	}
}

func TestProcessRejectsBadDate(t *testing.T) {
	router := newTestRouter(&Service{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process/coverage?date=03-09-2025", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProcessUnknownDetector(t *testing.T) {
	router := newTestRouter(&Service{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process/sorcery", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestProcessUnconfiguredDetector(t *testing.T) {
	router := newTestRouter(&Service{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process/stalls", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCompletionSignalRejectsMalformedBody(t *testing.T) {
	checker := detect.NewCompletenessChecker(nil, nil, config.CompletenessConfig{}, nil)
	router := newTestRouter(&Service{Completeness: checker})

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing processor", `{"game_date":"2025-03-09","status":"success"}`},
		{"bad status", `{"processor_name":"odds","game_date":"2025-03-09","status":"done"}`},
		{"bad date", `{"processor_name":"odds","game_date":"03/09/2025","status":"success"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signals/completion", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGapSignalTriggersBackfill(t *testing.T) {
	requests := &fakeRequests{}
	recovery := &fakeRecovery{}
	trigger := backfill.NewTrigger(nil, requests, recovery, nil, 0,
		config.BackfillConfig{Cooldown: 4 * time.Hour, MaxGamesPerRequest: 50}, nil)
	router := newTestRouter(&Service{Backfill: trigger})

	body := `{"gap_type":"boxscores","detected_at":"2025-03-10T08:00:00Z","game_dates":["2025-03-09"],"source":"gap-detector","severity":"warning"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signals/gap", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	if recovery.calls != 1 || len(requests.created) != 1 {
		t.Fatalf("recovery calls = %d, created = %d", recovery.calls, len(requests.created))
	}
}

func TestGapSignalRejectsMissingIdentifiers(t *testing.T) {
	trigger := backfill.NewTrigger(nil, &fakeRequests{}, &fakeRecovery{}, nil, 0, config.BackfillConfig{}, nil)
	router := newTestRouter(&Service{Backfill: trigger})

	body := `{"gap_type":"boxscores","detected_at":"2025-03-10T08:00:00Z"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signals/gap", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
