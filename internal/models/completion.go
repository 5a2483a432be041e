package models

import (
	"fmt"
	"time"
)

// CompletionRecord is one append-only phase-completion row written by the
// monitored pipeline. Multiple runs for the same (stage, date, processor)
// may exist; readers take the most recent.
type CompletionRecord struct {
	StageKey      string    `json:"stage_key"`
	GameDate      time.Time `json:"game_date"`
	ProcessorName string    `json:"processor_name"`
	CompletedAt   time.Time `json:"completed_at"`
	Status        string    `json:"status"`
	RowsProcessed int64     `json:"rows_processed"`
}

// Completion signal statuses reported by processors.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// CompletionSignal is the inbound event a processor emits when it finishes a
// business date.
type CompletionSignal struct {
	ProcessorName string `json:"processor_name"`
	GameDate      string `json:"game_date"`
	Status        string `json:"status"`
	RowsProcessed int64  `json:"rows_processed"`
}

// Validate checks required fields and the date format.
func (s CompletionSignal) Validate() error {
	if s.ProcessorName == "" {
		return fmt.Errorf("completion signal missing processor_name")
	}
	switch s.Status {
	case RunSuccess, RunPartial, RunFailed:
	default:
		return fmt.Errorf("completion signal has unknown status %q", s.Status)
	}
	if _, err := time.ParseInLocation("2006-01-02", s.GameDate, time.UTC); err != nil {
		return fmt.Errorf("completion signal game_date: %w", err)
	}
	return nil
}

// Date returns the parsed business date. Validate must have passed.
func (s CompletionSignal) Date() time.Time {
	t, _ := time.ParseInLocation("2006-01-02", s.GameDate, time.UTC)
	return t
}
