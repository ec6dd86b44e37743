package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/openledger/openledger/internal/ledger"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTransactionInitiated carries an upstream money-movement request.
	TaskTransactionInitiated = "ledger:transaction.initiated"
	// TaskWithdrawalSignal carries a withdrawal lifecycle signal.
	TaskWithdrawalSignal = "ledger:withdrawal.signal"
	// taskEventPrefix namespaces outbound ledger events by topic.
	taskEventPrefix = "events:"
)

// TransactionInitiatedPayload is the inbound event wrapper produced by the
// payment initiator.
type TransactionInitiatedPayload struct {
	EventID     string                    `json:"eventId"`
	ReferenceID string                    `json:"referenceId"`
	Payload     ledger.TransactionRequest `json:"payload"`
}

// NewTransactionInitiatedTask constructs an Asynq task.
func NewTransactionInitiatedTask(payload TransactionInitiatedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransactionInitiated, data), nil
}

// NewWithdrawalSignalTask constructs an Asynq task.
func NewWithdrawalSignalTask(sig ledger.WithdrawalSignal) (*asynq.Task, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWithdrawalSignal, data), nil
}

// LedgerHandlers adapts inbound tasks onto the ledger service.
type LedgerHandlers struct {
	service *ledger.Service
	logger  *slog.Logger
}

// NewLedgerHandlers constructs the task handlers.
func NewLedgerHandlers(service *ledger.Service, logger *slog.Logger) *LedgerHandlers {
	return &LedgerHandlers{service: service, logger: logger}
}

// HandleTransactionInitiated admits an upstream transaction request.
// Validation failures skip retry: redelivery cannot repair a bad payload.
func (h *LedgerHandlers) HandleTransactionInitiated(ctx context.Context, t *asynq.Task) error {
	var payload TransactionInitiatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	req := payload.Payload
	if req.ReferenceID == "" {
		req.ReferenceID = payload.ReferenceID
	}
	decision, err := h.service.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) || errors.Is(err, ledger.ErrUnsupportedType) {
			h.logger.Error("dropping invalid transaction event",
				slog.String("reference_id", req.ReferenceID), slog.Any("error", err))
			return asynq.SkipRetry
		}
		return err
	}
	h.logger.Info("transaction event admitted",
		slog.String("reference_id", req.ReferenceID),
		slog.String("decision", string(decision)))
	return nil
}

// HandleWithdrawalSignal drives the withdrawal sub-saga from an inbound
// signal. Protocol errors are dropped, transient errors retried.
func (h *LedgerHandlers) HandleWithdrawalSignal(ctx context.Context, t *asynq.Task) error {
	var sig ledger.WithdrawalSignal
	if err := json.Unmarshal(t.Payload(), &sig); err != nil {
		return asynq.SkipRetry
	}
	if err := h.service.HandleWithdrawalSignal(ctx, sig); err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) || errors.Is(err, ledger.ErrTransactionNotFound) {
			h.logger.Error("dropping withdrawal signal",
				slog.String("reference_id", sig.ReferenceID), slog.Any("error", err))
			return asynq.SkipRetry
		}
		return err
	}
	return nil
}

// EventPublisher publishes outbox events onto the queue, standing in for
// the message broker boundary. Consumers deduplicate on aggregate id.
type EventPublisher struct {
	client *asynq.Client
}

// NewEventPublisher constructs a publisher over an Asynq client.
func NewEventPublisher(client *asynq.Client) *EventPublisher {
	return &EventPublisher{client: client}
}

type eventEnvelope struct {
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
}

// Publish enqueues one event under its topic-derived task type.
func (p *EventPublisher) Publish(ctx context.Context, topic, aggregateID string, payload []byte) error {
	data, err := json.Marshal(eventEnvelope{AggregateID: aggregateID, Payload: payload})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskEventPrefix+topic, data)
	_, err = p.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}
