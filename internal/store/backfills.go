package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courtdata/sentinel/internal/models"
)

// Backfills persists BackfillRequest rows keyed by request_id. The row is the
// durable dedup/cooldown truth across restarts; rows are never deleted here.
type Backfills struct {
	db *DB
}

// NewBackfills wraps the shared DB.
func NewBackfills(db *DB) *Backfills {
	return &Backfills{db: db}
}

// Get fetches one request by id, returning ErrNotFound when absent.
func (b *Backfills) Get(ctx context.Context, requestID string) (*models.BackfillRequest, error) {
	ctx, cancel := b.db.bound(ctx)
	defer cancel()

	var req models.BackfillRequest
	err := b.db.Pool.QueryRow(ctx, `
		SELECT request_id, gap_type, status, created_at, trigger_attempts, last_trigger_at
		FROM backfill_requests
		WHERE request_id = $1`, requestID).
		Scan(&req.RequestID, &req.GapType, &req.Status, &req.CreatedAt,
			&req.TriggerAttempts, &req.LastTriggerAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill request: %w", err)
	}
	return &req, nil
}

// Create inserts the request only when the id is absent. The conditional
// insert is the concurrency guard: of two racing triggers, exactly one sees
// created=true and owns the recovery call.
func (b *Backfills) Create(ctx context.Context, req models.BackfillRequest) (bool, error) {
	ctx, cancel := b.db.bound(ctx)
	defer cancel()

	tag, err := b.db.Pool.Exec(ctx, `
		INSERT INTO backfill_requests
			(request_id, gap_type, status, created_at, trigger_attempts)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (request_id) DO NOTHING`,
		req.RequestID, req.GapType, req.Status, req.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create backfill request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reset rearms an existing request whose cooldown has expired: status back to
// pending with a fresh created_at, attempts preserved.
func (b *Backfills) Reset(ctx context.Context, requestID string, createdAt time.Time) error {
	ctx, cancel := b.db.bound(ctx)
	defer cancel()

	_, err := b.db.Pool.Exec(ctx, `
		UPDATE backfill_requests
		SET status = $2, created_at = $3
		WHERE request_id = $1`,
		requestID, models.BackfillPending, createdAt)
	if err != nil {
		return fmt.Errorf("reset backfill request: %w", err)
	}
	return nil
}

// MarkTriggered records a successful recovery call.
func (b *Backfills) MarkTriggered(ctx context.Context, requestID string, at time.Time) error {
	return b.transition(ctx, requestID, models.BackfillTriggered, at)
}

// MarkFailed records a failed recovery call.
func (b *Backfills) MarkFailed(ctx context.Context, requestID string, at time.Time) error {
	return b.transition(ctx, requestID, models.BackfillFailed, at)
}

func (b *Backfills) transition(ctx context.Context, requestID string, status models.BackfillStatus, at time.Time) error {
	ctx, cancel := b.db.bound(ctx)
	defer cancel()

	_, err := b.db.Pool.Exec(ctx, `
		UPDATE backfill_requests
		SET status = $2, trigger_attempts = trigger_attempts + 1, last_trigger_at = $3
		WHERE request_id = $1`,
		requestID, status, at)
	if err != nil {
		return fmt.Errorf("mark backfill %s: %w", status, err)
	}
	return nil
}
