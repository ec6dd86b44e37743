package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openledger/openledger/internal/money"
)

// AccountType enumerates accounting categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeIncome    AccountType = "INCOME"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// AccountStatus enumerates account lifecycle states.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusFrozen AccountStatus = "FROZEN"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// TransactionType enumerates supported money movements. The WITHDRAWAL_*
// values are internal sub-saga phases and never arrive on the public
// submission path.
type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeTransfer   TransactionType = "TRANSFER"
	TypePayment    TransactionType = "PAYMENT"
	TypeRefund     TransactionType = "REFUND"
	TypeFee        TransactionType = "FEE"
	TypeAdjustment TransactionType = "ADJUSTMENT"
	TypeInterest   TransactionType = "INTEREST"

	TypeWithdrawalReserve TransactionType = "WITHDRAWAL_RESERVE"
	TypeWithdrawalSettle  TransactionType = "WITHDRAWAL_SETTLE"
	TypeWithdrawalRelease TransactionType = "WITHDRAWAL_RELEASE"
)

// TransactionStatus enumerates transaction lifecycle values.
type TransactionStatus string

const (
	StatusPending          TransactionStatus = "PENDING"
	StatusPosted           TransactionStatus = "POSTED"
	StatusRejectedNSF      TransactionStatus = "REJECTED_NSF"
	StatusRejectedInactive TransactionStatus = "REJECTED_INACTIVE"
	StatusFailed           TransactionStatus = "FAILED"
	StatusVoid             TransactionStatus = "VOID"
)

// Terminal reports whether the status permits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s != StatusPending
}

// PostingDirection tags one leg of a double entry.
type PostingDirection string

const (
	DirectionDebit  PostingDirection = "DEBIT"
	DirectionCredit PostingDirection = "CREDIT"
)

// System account names used as counterparties for money entering or
// leaving the system.
const (
	SystemWorldLiquidity    = "WORLD_LIQUIDITY"
	SystemRevenue           = "REVENUE_ACCOUNT"
	SystemInterestExpense   = "INTEREST_EXPENSE"
	SystemPendingWithdrawal = "PENDING_WITHDRAWAL"
)

// Account is a balance-carrying node in the ledger. UserID is nil for
// system accounts, which are identified by (Name, Currency) instead.
type Account struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	Name      string
	Type      AccountType
	Currency  string
	Balance   decimal.Decimal
	Status    AccountStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction records one money movement. ReferenceID is the
// externally-supplied idempotency key and is globally unique.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	ReferenceID string            `json:"referenceId"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Metadata    string            `json:"metadata,omitempty"`
	EffectiveAt time.Time         `json:"effectiveAt"`
	Version     int64             `json:"-"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Posting is one signed leg of a transaction. Amount is always positive;
// Direction carries the sign. Postings are immutable once written.
type Posting struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	Amount        decimal.Decimal
	Direction     PostingDirection
}

// TransactionRequest is the public submission payload.
type TransactionRequest struct {
	ReferenceID string          `json:"referenceId" validate:"required"`
	Type        TransactionType `json:"type" validate:"required"`
	SenderID    *uuid.UUID      `json:"senderId,omitempty"`
	ReceiverID  *uuid.UUID      `json:"receiverId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	Metadata    string          `json:"metadata,omitempty"`
}

// ReservationRequest asks the ledger to move funds into the withdrawal
// holding account on behalf of the payment initiator.
type ReservationRequest struct {
	UserID      uuid.UUID       `json:"userId" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	ReferenceID string          `json:"referenceId" validate:"required"`
}

// ReleaseRequest reverses a prior reservation.
type ReleaseRequest struct {
	ReferenceID string `json:"referenceId" validate:"required"`
}

// WithdrawalSignalStatus enumerates inbound withdrawal lifecycle signals.
type WithdrawalSignalStatus string

const (
	SignalReserved  WithdrawalSignalStatus = "RESERVED"
	SignalConfirmed WithdrawalSignalStatus = "CONFIRMED"
	SignalFailed    WithdrawalSignalStatus = "FAILED"
)

// WithdrawalSignal is the inbound event payload driving the sub-saga.
type WithdrawalSignal struct {
	ReferenceID string                 `json:"referenceId"`
	UserID      uuid.UUID              `json:"userId"`
	Status      WithdrawalSignalStatus `json:"status"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency"`
	Timestamp   int64                  `json:"timestamp"`
}

var (
	// ErrUnsupportedType indicates an unknown transaction type.
	ErrUnsupportedType = errors.New("ledger: unsupported transaction type")
	// ErrAccountNotFound indicates a missing user account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrMissingSystemAccount indicates a missing system counterparty account.
	ErrMissingSystemAccount = errors.New("ledger: system account missing")
	// ErrTransactionNotFound indicates a missing transaction.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrInvalidRequest indicates a request that fails validation.
	ErrInvalidRequest = errors.New("ledger: invalid request")
	// ErrDuplicateReference indicates a reference id already written durably.
	ErrDuplicateReference = errors.New("ledger: duplicate reference id")
)

// Validate enforces the per-type field requirements of the submission path.
func (r TransactionRequest) Validate() error {
	if r.ReferenceID == "" {
		return fmt.Errorf("%w: reference id required", ErrInvalidRequest)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: transaction type required", ErrInvalidRequest)
	}
	switch r.Type {
	case TypeDeposit, TypeWithdrawal, TypeTransfer, TypePayment, TypeRefund, TypeFee, TypeAdjustment, TypeInterest:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, r.Type)
	}
	if r.Type != TypeDeposit && r.SenderID == nil {
		return fmt.Errorf("%w: sender id required for %s", ErrInvalidRequest, r.Type)
	}
	if r.Type != TypeWithdrawal && r.Type != TypeFee && r.ReceiverID == nil {
		return fmt.Errorf("%w: receiver id required for %s", ErrInvalidRequest, r.Type)
	}
	if !money.IsPositive(r.Amount) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidRequest)
	}
	return nil
}

// Validate enforces reservation field requirements.
func (r ReservationRequest) Validate() error {
	if r.ReferenceID == "" {
		return fmt.Errorf("%w: reference id required", ErrInvalidRequest)
	}
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if !money.IsPositive(r.Amount) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidRequest)
	}
	return nil
}
