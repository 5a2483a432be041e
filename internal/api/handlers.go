package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courtdata/sentinel/internal/backfill"
	"github.com/courtdata/sentinel/internal/detect"
	"github.com/courtdata/sentinel/internal/dlq"
	"github.com/courtdata/sentinel/internal/models"
	"github.com/courtdata/sentinel/internal/utils"
)

// Service aggregates the detectors behind the HTTP surface. Any nil detector
// simply reports its route as unavailable, so partial wiring (tests, the CLI)
// stays cheap.
type Service struct {
	Freshness    *detect.FreshnessChecker
	Gaps         *detect.GapDetector
	Stalls       *detect.StallDetector
	Coverage     *detect.CoverageMonitor
	Latency      *detect.LatencyTracker
	Completeness *detect.CompletenessChecker
	DLQ          *dlq.Monitor
	Backfill     *backfill.Trigger

	// ActivityProbe reports whether the pipeline had work for the date;
	// freshness alerting is suppressed for idle dates. nil means always
	// active.
	ActivityProbe func(ctx context.Context, date time.Time) bool

	// CheckTimeout bounds one detector run. Zero means no bound beyond the
	// request timeout.
	CheckTimeout time.Duration

	Logger *slog.Logger
}

// Routes mounts the service endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/process/{detector}", s.handleProcess)
	r.Post("/signals/completion", s.handleCompletionSignal)
	r.Post("/signals/gap", s.handleGapSignal)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleProcess runs one detector on demand. The optional date query
// parameter (YYYY-MM-DD) defaults to yesterday, the most recent fully played
// slate.
func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "detector")

	date, err := requestDate(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	if s.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CheckTimeout)
		defer cancel()
	}

	switch name {
	case "freshness":
		if s.Freshness == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "freshness checker not configured"})
			return
		}
		active := true
		if s.ActivityProbe != nil {
			active = s.ActivityProbe(ctx, date)
		}
		writeJSON(w, http.StatusOK, s.Freshness.CheckAll(ctx, active))
	case "gaps":
		if s.Gaps == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gap detector not configured"})
			return
		}
		summary, reports := s.Gaps.CheckAll(ctx, date)
		writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "reports": reports})
	case "stalls":
		if s.Stalls == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stall detector not configured"})
			return
		}
		writeJSON(w, http.StatusOK, s.Stalls.CheckAll(ctx))
	case "coverage":
		if s.Coverage == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "coverage monitor not configured"})
			return
		}
		writeJSON(w, http.StatusOK, s.Coverage.CheckAll(ctx, date))
	case "latency":
		if s.Latency == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "latency tracker not configured"})
			return
		}
		writeJSON(w, http.StatusOK, s.Latency.CheckAll(ctx, date))
	case "dlq":
		if s.DLQ == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dlq monitor not configured"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": s.DLQ.CheckAll(ctx)})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown detector: " + name})
	}
}

func (s *Service) handleCompletionSignal(w http.ResponseWriter, r *http.Request) {
	if s.Completeness == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "completeness checker not configured"})
		return
	}

	var sig models.CompletionSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decode completion signal: " + err.Error()})
		return
	}
	if err := sig.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	summary, err := s.Completeness.HandleCompletion(r.Context(), sig)
	if err != nil {
		s.logError(r, "completion signal failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleGapSignal(w http.ResponseWriter, r *http.Request) {
	if s.Backfill == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backfill trigger not configured"})
		return
	}

	var sig models.GapSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decode gap signal: " + err.Error()})
		return
	}
	if err := sig.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.Backfill.HandleGap(r.Context(), sig); err != nil {
		s.logError(r, "gap signal failed", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) logError(r *http.Request, msg string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(msg,
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
}

func requestDate(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour), nil
	}
	return utils.ParseDate(raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
