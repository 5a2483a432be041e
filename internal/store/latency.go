package store

import (
	"context"
	"fmt"
	"time"
)

// LatencyHistory persists end-to-end pipeline durations so percentile
// baselines survive restarts.
type LatencyHistory struct {
	db *DB
}

// NewLatencyHistory wraps the shared DB.
func NewLatencyHistory(db *DB) *LatencyHistory {
	return &LatencyHistory{db: db}
}

// Record stores one end-to-end sample for a business date. Re-running the
// tracker for the same date overwrites the previous sample.
func (l *LatencyHistory) Record(ctx context.Context, date time.Time, totalMinutes float64) error {
	ctx, cancel := l.db.bound(ctx)
	defer cancel()

	_, err := l.db.Pool.Exec(ctx, `
		INSERT INTO pipeline_latency (game_date, total_minutes, recorded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_date) DO UPDATE
		SET total_minutes = EXCLUDED.total_minutes, recorded_at = EXCLUDED.recorded_at`,
		date, totalMinutes)
	if err != nil {
		return fmt.Errorf("record latency: %w", err)
	}
	return nil
}

// Window returns end-to-end samples recorded since the cutoff.
func (l *LatencyHistory) Window(ctx context.Context, since time.Time) ([]float64, error) {
	ctx, cancel := l.db.bound(ctx)
	defer cancel()

	rows, err := l.db.Pool.Query(ctx, `
		SELECT total_minutes
		FROM pipeline_latency
		WHERE recorded_at >= $1
		ORDER BY game_date`, since)
	if err != nil {
		return nil, fmt.Errorf("latency window: %w", err)
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}
