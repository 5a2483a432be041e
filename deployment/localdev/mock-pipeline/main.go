package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

type backfillRequest struct {
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	GameIDs             []string `json:"game_ids"`
	Processors          []string `json:"processors"`
	BackfillMode        bool     `json:"backfill_mode"`
	SkipDependencyCheck bool     `json:"skip_dependency_check"`
	CorrelationID       string   `json:"correlation_id"`
}

var accepted atomic.Int64

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Backfill endpoints, one per gap type, matching the backfill.endpoints
	// config block.
	for _, path := range []string{"/api/v1/backfill/boxscores", "/api/v1/backfill/odds", "/api/v1/backfill/predictions"} {
		path := path
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if !enforcePost(w, r) {
				return
			}
			var req backfillRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
			if !req.BackfillMode || req.CorrelationID == "" {
				http.Error(w, "backfill_mode and correlation_id are required", http.StatusBadRequest)
				return
			}
			n := accepted.Add(1)
			log.Printf("backfill %s accepted: %s..%s correlation=%s (%d total)",
				path, req.StartDate, req.EndDate, req.CorrelationID, n)
			writeJSON(w, map[string]any{
				"status":         "accepted",
				"correlation_id": req.CorrelationID,
				"queued_at":      time.Now().UTC(),
			})
		})
	}

	// Webhook sink for alert channels; logs whatever arrives.
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		log.Printf("webhook: %s", body)
		w.WriteHeader(http.StatusNoContent)
	})

	addr := ":9480"
	log.Printf("mock pipeline listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
