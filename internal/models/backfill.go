package models

import "time"

// BackfillStatus tracks the recovery state machine for one deduplicated gap.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillTriggered BackfillStatus = "triggered"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillRequest is the durable dedup record keyed by RequestID. It is the
// sole source of cooldown truth across process restarts; this service never
// deletes rows (retention is owned externally).
type BackfillRequest struct {
	RequestID       string         `json:"request_id"`
	GapType         string         `json:"gap_type"`
	Status          BackfillStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	TriggerAttempts int            `json:"trigger_attempts"`
	LastTriggerAt   *time.Time     `json:"last_trigger_at,omitempty"`
}
