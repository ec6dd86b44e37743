// Package outbox implements the transactional outbox: event rows written in
// the same storage transaction as the business change, relayed later by a
// periodic poller with at-least-once delivery.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types produced by the ledger.
const (
	EventTransactionCompleted = "TRANSACTION_COMPLETED"
	EventTransactionFailed    = "TRANSACTION_FAILED"
	EventFundsReserved        = "FUNDS_RESERVED_SUCCESS"
	EventWithdrawalSettled    = "WITHDRAWAL_SETTLED"
)

// Status enumerates outbox row states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
)

// Event is one outbox row. AggregateID is the transaction reference id;
// consumers deduplicate on it.
type Event struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	Status      Status
	CreatedAt   time.Time
}

// NewEvent builds a pending event with a JSON-serialized payload.
func NewEvent(aggregateID, eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     data,
		Status:      StatusPending,
	}, nil
}

// TopicFor maps an event type to its downstream topic. Unknown types fall
// through to a catch-all so no event is silently lost.
func TopicFor(eventType string) string {
	switch eventType {
	case EventTransactionCompleted:
		return "transaction.completed"
	case EventTransactionFailed:
		return "transaction.failed"
	case EventFundsReserved:
		return "withdrawal.reserved"
	case EventWithdrawalSettled:
		return "withdrawal.settled"
	default:
		return "transaction.unknown"
	}
}
