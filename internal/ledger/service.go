package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/openledger/internal/ledger/buffer"
	"github.com/openledger/openledger/internal/money"
	"github.com/openledger/openledger/internal/outbox"
)

// Decision is the synchronous admission outcome. Accepted means the entry
// is staged; the durable result arrives later via outbox events.
type Decision string

const (
	DecisionAccepted         Decision = "ACCEPTED"
	DecisionDuplicate        Decision = "DUPLICATE"
	DecisionRejectedNSF      Decision = "REJECTED_NSF"
	DecisionRejectedInactive Decision = "REJECTED_INACTIVE"
)

// Staging is the buffer surface the admission path needs.
type Staging interface {
	Enqueue(ctx context.Context, entry buffer.Entry) error
	PendingNet(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Service is the ledger's synchronous entry point: idempotency check,
// account resolution, soft-balance admission, buffer enqueue.
type Service struct {
	repo    Repository
	staging Staging
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, staging Staging, logger *slog.Logger) *Service {
	return &Service{repo: repo, staging: staging, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Submit admits one money-movement request. The accept path performs one
// balance read and one atomic buffer write; it never writes to Postgres.
func (s *Service) Submit(ctx context.Context, req TransactionRequest) (Decision, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	amount := money.Quantize(req.Amount)

	exists, err := s.repo.ReferenceExists(ctx, req.ReferenceID)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Warn("idempotency triggered", slog.String("reference_id", req.ReferenceID))
		return DecisionDuplicate, nil
	}

	accounts, err := ResolveAccounts(ctx, s.repo, req)
	if err != nil {
		return "", err
	}

	if accounts.Debit.Status != AccountStatusActive || accounts.Credit.Status != AccountStatusActive {
		s.logger.Warn("transaction rejected: account inactive",
			slog.String("reference_id", req.ReferenceID))
		return s.reject(ctx, req.ReferenceID, req.Type, StatusRejectedInactive, "account inactive")
	}

	if accounts.Debit.Type == AccountTypeAsset {
		ok, err := s.passesSoftBalance(ctx, accounts.Debit, amount)
		if err != nil {
			return "", err
		}
		if !ok {
			s.logger.Info("transaction rejected: insufficient funds",
				slog.String("reference_id", req.ReferenceID))
			return s.reject(ctx, req.ReferenceID, req.Type, StatusRejectedNSF, "insufficient funds")
		}
	}

	entry := buffer.Entry{
		ReferenceID:     req.ReferenceID,
		DebitAccountID:  accounts.Debit.ID.String(),
		CreditAccountID: accounts.Credit.ID.String(),
		Amount:          amount,
		Type:            string(req.Type),
		Timestamp:       s.now().UnixMilli(),
	}
	if err := s.staging.Enqueue(ctx, entry); err != nil {
		return "", err
	}
	return DecisionAccepted, nil
}

// passesSoftBalance checks durable balance plus the pending aggregate.
// NSF applies only to ASSET debit accounts; system accounts are unbounded
// (WORLD_LIQUIDITY must go negative to mint money) and LIABILITY accounts
// would need a credit-limit check, not a zero floor.
func (s *Service) passesSoftBalance(ctx context.Context, debit Account, amount decimal.Decimal) (bool, error) {
	pending, err := s.staging.PendingNet(ctx, debit.ID.String())
	if err != nil {
		return false, err
	}
	soft := debit.Balance.Add(pending)
	return soft.GreaterThanOrEqual(amount), nil
}

// reject synchronously persists a terminal rejection plus its outbox event.
// No postings, no buffer entry.
func (s *Service) reject(ctx context.Context, referenceID string, txType TransactionType, status TransactionStatus, reason string) (Decision, error) {
	txn := Transaction{
		ReferenceID: referenceID,
		Type:        txType,
		Status:      status,
		Metadata:    reason,
		EffectiveAt: s.now(),
	}
	evt, err := outbox.NewEvent(referenceID, outbox.EventTransactionFailed, txn)
	if err != nil {
		return "", err
	}
	if err := s.repo.SaveRejection(ctx, txn, evt); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			// Lost a race against a concurrent submit for the same reference.
			return DecisionDuplicate, nil
		}
		return "", err
	}
	if status == StatusRejectedNSF {
		return DecisionRejectedNSF, nil
	}
	return DecisionRejectedInactive, nil
}

// ReserveFunds stages the RESERVE phase of the withdrawal sub-saga: user
// account debited into the PENDING_WITHDRAWAL holding account.
func (s *Service) ReserveFunds(ctx context.Context, req ReservationRequest) (Decision, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	amount := money.Quantize(req.Amount)

	exists, err := s.repo.ReferenceExists(ctx, req.ReferenceID)
	if err != nil {
		return "", err
	}
	if exists {
		s.logger.Warn("reservation already recorded", slog.String("reference_id", req.ReferenceID))
		return DecisionDuplicate, nil
	}

	userAccount, err := s.repo.UserAccount(ctx, req.UserID, req.Currency)
	if err != nil {
		return "", err
	}
	holding, err := s.repo.SystemAccount(ctx, SystemPendingWithdrawal, req.Currency)
	if err != nil {
		return "", err
	}

	if userAccount.Status != AccountStatusActive {
		return s.reject(ctx, req.ReferenceID, TypeWithdrawalReserve, StatusRejectedInactive, "account inactive")
	}
	if userAccount.Type == AccountTypeAsset {
		ok, err := s.passesSoftBalance(ctx, userAccount, amount)
		if err != nil {
			return "", err
		}
		if !ok {
			return s.reject(ctx, req.ReferenceID, TypeWithdrawalReserve, StatusRejectedNSF, "insufficient funds")
		}
	}

	entry := buffer.Entry{
		ReferenceID:     req.ReferenceID,
		DebitAccountID:  userAccount.ID.String(),
		CreditAccountID: holding.ID.String(),
		Amount:          amount,
		Type:            string(TypeWithdrawalReserve),
		Timestamp:       s.now().UnixMilli(),
	}
	if err := s.staging.Enqueue(ctx, entry); err != nil {
		return "", err
	}
	return DecisionAccepted, nil
}

// ReleaseFunds stages the compensating RELEASE phase: holding account back
// to the user account. The reservation must already be durable; a release
// for an unknown reference is a protocol error surfaced to the caller.
func (s *Service) ReleaseFunds(ctx context.Context, req ReleaseRequest) error {
	if req.ReferenceID == "" {
		return fmt.Errorf("%w: reference id required", ErrInvalidRequest)
	}
	res, err := s.repo.ReservationLegs(ctx, req.ReferenceID)
	if err != nil {
		return err
	}
	if res.Transaction.Status.Terminal() {
		s.logger.Warn("release on terminal reservation",
			slog.String("reference_id", req.ReferenceID),
			slog.String("status", string(res.Transaction.Status)))
		return nil
	}
	entry := buffer.Entry{
		ReferenceID:     req.ReferenceID,
		DebitAccountID:  res.CreditAccountID.String(),
		CreditAccountID: res.DebitAccountID.String(),
		Amount:          res.Amount,
		Type:            string(TypeWithdrawalRelease),
		Timestamp:       s.now().UnixMilli(),
	}
	return s.staging.Enqueue(ctx, entry)
}

// HandleWithdrawalSignal translates an inbound lifecycle signal into the
// matching sub-saga buffer entry. Delivery is at-least-once; every branch
// tolerates replays.
func (s *Service) HandleWithdrawalSignal(ctx context.Context, sig WithdrawalSignal) error {
	switch sig.Status {
	case SignalReserved:
		_, err := s.ReserveFunds(ctx, ReservationRequest{
			UserID:      sig.UserID,
			Amount:      sig.Amount,
			Currency:    sig.Currency,
			ReferenceID: sig.ReferenceID,
		})
		return err
	case SignalConfirmed:
		return s.stageSettle(ctx, sig)
	case SignalFailed:
		return s.stageRelease(ctx, sig)
	default:
		return fmt.Errorf("%w: withdrawal signal status %s", ErrInvalidRequest, sig.Status)
	}
}

// stageSettle stages SETTLE: holding account into world liquidity. The
// committer enforces that a PENDING reservation exists; staging here keeps
// the signal path write-free on Postgres.
func (s *Service) stageSettle(ctx context.Context, sig WithdrawalSignal) error {
	holding, err := s.repo.SystemAccount(ctx, SystemPendingWithdrawal, sig.Currency)
	if err != nil {
		return err
	}
	liquidity, err := s.repo.SystemAccount(ctx, SystemWorldLiquidity, sig.Currency)
	if err != nil {
		return err
	}
	return s.staging.Enqueue(ctx, buffer.Entry{
		ReferenceID:     sig.ReferenceID,
		DebitAccountID:  holding.ID.String(),
		CreditAccountID: liquidity.ID.String(),
		Amount:          money.Quantize(sig.Amount),
		Type:            string(TypeWithdrawalSettle),
		Timestamp:       s.signalTime(sig),
	})
}

func (s *Service) stageRelease(ctx context.Context, sig WithdrawalSignal) error {
	holding, err := s.repo.SystemAccount(ctx, SystemPendingWithdrawal, sig.Currency)
	if err != nil {
		return err
	}
	userAccount, err := s.repo.UserAccount(ctx, sig.UserID, sig.Currency)
	if err != nil {
		return err
	}
	return s.staging.Enqueue(ctx, buffer.Entry{
		ReferenceID:     sig.ReferenceID,
		DebitAccountID:  holding.ID.String(),
		CreditAccountID: userAccount.ID.String(),
		Amount:          money.Quantize(sig.Amount),
		Type:            string(TypeWithdrawalRelease),
		Timestamp:       s.signalTime(sig),
	})
}

func (s *Service) signalTime(sig WithdrawalSignal) int64 {
	if sig.Timestamp > 0 {
		return sig.Timestamp
	}
	return s.now().UnixMilli()
}
