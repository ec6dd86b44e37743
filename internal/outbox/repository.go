package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openledger/openledger/internal/platform/db"
)

// Repository persists and polls outbox rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTx writes events inside an already-open storage transaction so they
// commit atomically with the business change.
func InsertTx(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, evt := range events {
		_, err := tx.Exec(ctx, `INSERT INTO outbox_events (id, aggregate_id, event_type, payload, status, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())`, evt.ID, evt.AggregateID, evt.EventType, evt.Payload, evt.Status)
		if err != nil {
			return fmt.Errorf("outbox: insert event %s: %w", evt.AggregateID, err)
		}
	}
	return nil
}

// WithPendingBatch locks up to limit PENDING rows (skipping rows locked by
// a concurrent relay), hands them to fn, and marks the ids fn reports as
// published PROCESSED — all in one transaction.
func (r *Repository) WithPendingBatch(ctx context.Context, limit int, fn func(ctx context.Context, events []Event) ([]Event, error)) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, aggregate_id, event_type, payload, status, created_at
FROM outbox_events
WHERE status = 'PENDING'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("outbox: fetch pending: %w", err)
		}
		var events []Event
		for rows.Next() {
			var evt Event
			if err := rows.Scan(&evt.ID, &evt.AggregateID, &evt.EventType, &evt.Payload, &evt.Status, &evt.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("outbox: scan pending: %w", err)
			}
			events = append(events, evt)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("outbox: iterate pending: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		// Partial publish success still marks the delivered rows.
		published, err := fn(ctx, events)
		if err != nil && len(published) == 0 {
			return err
		}
		for _, evt := range published {
			if _, err := tx.Exec(ctx, `UPDATE outbox_events SET status = 'PROCESSED' WHERE id = $1`, evt.ID); err != nil {
				return fmt.Errorf("outbox: mark processed %s: %w", evt.ID, err)
			}
		}
		return nil
	})
}
