package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Publisher delivers one event to the downstream broker boundary.
type Publisher interface {
	Publish(ctx context.Context, topic, aggregateID string, payload []byte) error
}

// PendingStore is the row-polling surface the relay needs.
type PendingStore interface {
	WithPendingBatch(ctx context.Context, limit int, fn func(ctx context.Context, events []Event) ([]Event, error)) error
}

// Relay polls PENDING outbox rows and publishes them. Delivery is
// at-least-once: a crash after publish but before mark leaves the row
// PENDING and it is published again.
type Relay struct {
	store     PendingStore
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	running   atomic.Bool
}

// NewRelay constructs a Relay.
func NewRelay(store PendingStore, publisher Publisher, logger *slog.Logger, interval time.Duration, batchSize int) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls on a fixed interval until the context is cancelled. Ticks that
// fire while a run is still in progress are skipped.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.running.CompareAndSwap(false, true) {
				continue
			}
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay run", slog.Any("error", err))
			}
			r.running.Store(false)
		}
	}
}

// RunOnce processes a single batch of pending events.
func (r *Relay) RunOnce(ctx context.Context) error {
	return r.store.WithPendingBatch(ctx, r.batchSize, func(ctx context.Context, events []Event) ([]Event, error) {
		published := make([]Event, 0, len(events))
		for _, evt := range events {
			if err := r.publisher.Publish(ctx, TopicFor(evt.EventType), evt.AggregateID, evt.Payload); err != nil {
				r.logger.Error("publish outbox event",
					slog.String("aggregate_id", evt.AggregateID),
					slog.String("event_type", evt.EventType),
					slog.Any("error", err))
				continue
			}
			published = append(published, evt)
		}
		return published, nil
	})
}
