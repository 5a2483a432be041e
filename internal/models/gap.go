package models

import (
	"fmt"
	"time"
)

// GapSignal is the inbound event describing missing or anomalous data that a
// backfill could repair. Either GameIDs or GameDates must identify the scope.
type GapSignal struct {
	GameIDs    []string  `json:"game_ids,omitempty"`
	GapType    string    `json:"gap_type"`
	DetectedAt time.Time `json:"detected_at"`
	Source     string    `json:"source"`
	Severity   Severity  `json:"severity"`
	GameDates  []string  `json:"game_dates,omitempty"`
	TeamAbbrs  []string  `json:"team_abbrs,omitempty"`
}

// Validate enforces the structural contract for gap signals. Whether the
// gap_type is actionable is decided by the backfill trigger, which owns the
// endpoint mapping.
func (s GapSignal) Validate() error {
	if s.GapType == "" {
		return fmt.Errorf("gap signal missing gap_type")
	}
	if s.DetectedAt.IsZero() {
		return fmt.Errorf("gap signal missing detected_at")
	}
	if len(s.GameIDs) == 0 && len(s.GameDates) == 0 {
		return fmt.Errorf("gap signal needs game_ids or game_dates")
	}
	for _, d := range s.GameDates {
		if _, err := time.ParseInLocation("2006-01-02", d, time.UTC); err != nil {
			return fmt.Errorf("gap signal game_dates: %w", err)
		}
	}
	if s.Severity == "" {
		return fmt.Errorf("gap signal missing severity")
	}
	return nil
}

// Identifiers returns the dedup-relevant identifiers: game ids when present,
// otherwise the date strings.
func (s GapSignal) Identifiers() []string {
	if len(s.GameIDs) > 0 {
		return s.GameIDs
	}
	return s.GameDates
}

// DateWindow returns the min and max game date carried by the signal, or the
// detection day when no dates are present.
func (s GapSignal) DateWindow() (start, end time.Time) {
	if len(s.GameDates) == 0 {
		day := s.DetectedAt.UTC().Truncate(24 * time.Hour)
		return day, day
	}
	for _, d := range s.GameDates {
		t, err := time.ParseInLocation("2006-01-02", d, time.UTC)
		if err != nil {
			continue
		}
		if start.IsZero() || t.Before(start) {
			start = t
		}
		if end.IsZero() || t.After(end) {
			end = t
		}
	}
	return start, end
}
