package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courtdata/sentinel/internal/models"
)

// Warehouse reads the analytics warehouse tables the detectors compare
// against. Completion rows are written by the monitored pipeline itself and
// are read-only here, except for signal-driven appends in RecordCompletion.
type Warehouse struct {
	db *DB
}

// NewWarehouse wraps the shared DB.
func NewWarehouse(db *DB) *Warehouse {
	return &Warehouse{db: db}
}

// MaxTimestamp returns the newest value of column in table, or ok=false when
// the table is empty. Table and column come from operator config, never from
// request input; identifiers are still quoted defensively.
func (w *Warehouse) MaxTimestamp(ctx context.Context, table, column string) (time.Time, bool, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		pgx.Identifier{column}.Sanitize(), pgx.Identifier{table}.Sanitize())

	var ts *time.Time
	if err := w.db.Pool.QueryRow(ctx, query).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("max timestamp %s.%s: %w", table, column, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// RowCountForDate counts rows in table whose dateColumn matches the business date.
func (w *Warehouse) RowCountForDate(ctx context.Context, table, dateColumn string, date time.Time) (int64, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{dateColumn}.Sanitize())

	var count int64
	if err := w.db.Pool.QueryRow(ctx, query, date).Scan(&count); err != nil {
		return 0, fmt.Errorf("row count %s: %w", table, err)
	}
	return count, nil
}

// LatestCompletions returns the most recent completion row per
// (stage, processor) for the business date.
func (w *Warehouse) LatestCompletions(ctx context.Context, date time.Time) ([]models.CompletionRecord, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	rows, err := w.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (stage_key, processor_name)
		       stage_key, game_date, processor_name, completed_at, status, rows_processed
		FROM pipeline_completions
		WHERE game_date = $1
		ORDER BY stage_key, processor_name, completed_at DESC`, date)
	if err != nil {
		return nil, fmt.Errorf("latest completions: %w", err)
	}
	defer rows.Close()

	var records []models.CompletionRecord
	for rows.Next() {
		var rec models.CompletionRecord
		if err := rows.Scan(&rec.StageKey, &rec.GameDate, &rec.ProcessorName,
			&rec.CompletedAt, &rec.Status, &rec.RowsProcessed); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StageCompletion returns the most recent completion for a stage across all
// dates, or ErrNotFound when the stage has never reported.
func (w *Warehouse) StageCompletion(ctx context.Context, stageKey string) (*models.CompletionRecord, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	var rec models.CompletionRecord
	err := w.db.Pool.QueryRow(ctx, `
		SELECT stage_key, game_date, processor_name, completed_at, status, rows_processed
		FROM pipeline_completions
		WHERE stage_key = $1
		ORDER BY completed_at DESC
		LIMIT 1`, stageKey).
		Scan(&rec.StageKey, &rec.GameDate, &rec.ProcessorName,
			&rec.CompletedAt, &rec.Status, &rec.RowsProcessed)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stage completion %s: %w", stageKey, err)
	}
	return &rec, nil
}

// StageCompletionForDate returns the latest completion timestamp for one
// stage on one business date, or ok=false when the stage has not reported.
func (w *Warehouse) StageCompletionForDate(ctx context.Context, stageKey string, date time.Time) (time.Time, bool, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	var ts *time.Time
	err := w.db.Pool.QueryRow(ctx, `
		SELECT MAX(completed_at)
		FROM pipeline_completions
		WHERE stage_key = $1 AND game_date = $2`, stageKey, date).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stage completion for date: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// RecordCompletion appends one completion row. Duplicates are harmless;
// readers take the most recent.
func (w *Warehouse) RecordCompletion(ctx context.Context, rec models.CompletionRecord) error {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	_, err := w.db.Pool.Exec(ctx, `
		INSERT INTO pipeline_completions
			(stage_key, game_date, processor_name, completed_at, status, rows_processed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.StageKey, rec.GameDate, rec.ProcessorName, rec.CompletedAt, rec.Status, rec.RowsProcessed)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// SuccessfulProcessors returns the distinct processors that reported success
// for the date since the lookback cutoff.
func (w *Warehouse) SuccessfulProcessors(ctx context.Context, date, since time.Time) ([]string, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	rows, err := w.db.Pool.Query(ctx, `
		SELECT DISTINCT processor_name
		FROM pipeline_completions
		WHERE game_date = $1 AND status = 'success' AND completed_at >= $2`, date, since)
	if err != nil {
		return nil, fmt.Errorf("successful processors: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ScheduledGameCount counts games on the league schedule for the date.
func (w *Warehouse) ScheduledGameCount(ctx context.Context, date time.Time) (int64, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	var count int64
	err := w.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM schedule_games WHERE game_date = $1`, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("scheduled game count: %w", err)
	}
	return count, nil
}

// ObservedGameCount counts distinct games with loaded results for the date.
func (w *Warehouse) ObservedGameCount(ctx context.Context, date time.Time) (int64, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	var count int64
	err := w.db.Pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT game_id) FROM game_results WHERE game_date = $1`, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("observed game count: %w", err)
	}
	return count, nil
}

// PredictionCount counts distinct games with published predictions for the date.
func (w *Warehouse) PredictionCount(ctx context.Context, date time.Time) (int64, error) {
	ctx, cancel := w.db.bound(ctx)
	defer cancel()

	var count int64
	err := w.db.Pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT game_id) FROM game_predictions WHERE game_date = $1`, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("prediction count: %w", err)
	}
	return count, nil
}
