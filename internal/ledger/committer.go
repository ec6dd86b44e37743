package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openledger/openledger/internal/ledger/buffer"
	"github.com/openledger/openledger/internal/outbox"
)

// Queue is the staging buffer surface the committer needs.
type Queue interface {
	Drain(ctx context.Context, max int) ([]buffer.Entry, error)
	Reverse(ctx context.Context, entries []buffer.Entry) error
	Recover(ctx context.Context) (int64, error)
}

// Committer drains the staging buffer on a fixed interval and applies each
// batch to storage in one transaction. Runs single-flight: a tick firing
// while the previous run is still busy is skipped.
type Committer struct {
	repo      Repository
	queue     Queue
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	running   atomic.Bool
}

// NewCommitter constructs a Committer.
func NewCommitter(repo Repository, queue Queue, logger *slog.Logger, interval time.Duration, batchSize int) *Committer {
	return &Committer{
		repo:      repo,
		queue:     queue,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run first requeues anything stranded by a prior crash, then commits
// batches until the context is cancelled.
func (c *Committer) Run(ctx context.Context) error {
	recovered, err := c.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		c.logger.Warn("recovered stranded entries from processing list", slog.Int64("count", recovered))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.running.CompareAndSwap(false, true) {
				continue
			}
			if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("ledger batch commit failed, entries retained for retry", slog.Any("error", err))
			}
			c.running.Store(false)
		}
	}
}

// RunOnce drains and commits a single batch. If the storage transaction
// fails the aggregate is left untouched and the entries stay on the
// processing list, so soft-balance reads remain consistent.
func (c *Committer) RunOnce(ctx context.Context) error {
	entries, err := c.queue.Drain(ctx, c.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	c.logger.Info("committing batch", slog.Int("size", len(entries)))

	if err := c.repo.WithBatch(ctx, func(ctx context.Context, tx BatchTx) error {
		return c.commit(ctx, tx, entries)
	}); err != nil {
		return err
	}

	// The buffer aggregate is reversed only after the batch is durable.
	return c.queue.Reverse(ctx, entries)
}

func (c *Committer) commit(ctx context.Context, tx BatchTx, entries []buffer.Entry) error {
	accountIDs := make([]uuid.UUID, 0, len(entries)*2)
	refs := make([]string, 0, len(entries))
	seenAccounts := map[uuid.UUID]struct{}{}
	for _, entry := range entries {
		refs = append(refs, entry.ReferenceID)
		for _, raw := range []string{entry.DebitAccountID, entry.CreditAccountID} {
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			if _, ok := seenAccounts[id]; !ok {
				seenAccounts[id] = struct{}{}
				accountIDs = append(accountIDs, id)
			}
		}
	}

	accounts, err := tx.AccountsByID(ctx, accountIDs)
	if err != nil {
		return err
	}
	stored, err := tx.TransactionsByReference(ctx, refs)
	if err != nil {
		return err
	}
	// Session map: a RESERVE and its SETTLE/RELEASE may share one batch.
	known := make(map[string]*Transaction, len(stored))
	for ref := range stored {
		txn := stored[ref]
		known[ref] = &txn
	}

	var postings []Posting
	var events []outbox.Event
	deltas := map[uuid.UUID]decimal.Decimal{}

	for _, entry := range entries {
		switch TransactionType(entry.Type) {
		case TypeWithdrawalReserve:
			err = c.applyReserve(ctx, tx, entry, accounts, known, &postings, &events, deltas)
		case TypeWithdrawalSettle:
			err = c.applyTransition(ctx, tx, entry, accounts, known, &postings, &events, deltas,
				StatusPosted, "", outbox.EventWithdrawalSettled)
		case TypeWithdrawalRelease:
			err = c.applyTransition(ctx, tx, entry, accounts, known, &postings, &events, deltas,
				StatusFailed, "Released by system", outbox.EventTransactionFailed)
		default:
			err = c.applyStandard(ctx, tx, entry, accounts, known, &postings, &events, deltas)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.InsertPostings(ctx, postings); err != nil {
		return err
	}
	for accountID, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		if err := tx.ApplyBalanceDelta(ctx, accountID, delta); err != nil {
			return err
		}
	}
	return tx.InsertOutbox(ctx, events)
}

// applyStandard handles the single-phase transaction types: one POSTED
// transaction, one debit/credit posting pair, merged balance deltas.
func (c *Committer) applyStandard(ctx context.Context, tx BatchTx, entry buffer.Entry,
	accounts map[uuid.UUID]Account, known map[string]*Transaction,
	postings *[]Posting, events *[]outbox.Event, deltas map[uuid.UUID]decimal.Decimal) error {

	if _, dup := known[entry.ReferenceID]; dup {
		c.logger.Warn("skipping already committed entry", slog.String("reference_id", entry.ReferenceID))
		return nil
	}
	legs, ok := c.entryLegs(entry, accounts)
	if !ok {
		return c.deadLetter(ctx, tx, entry, known, events, "account missing during batch processing")
	}

	txn := &Transaction{
		ReferenceID: entry.ReferenceID,
		Type:        TransactionType(entry.Type),
		Status:      StatusPosted,
		EffectiveAt: time.UnixMilli(entry.Timestamp).UTC(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	known[entry.ReferenceID] = txn

	c.appendLegs(txn.ID, legs, entry.Amount, postings, deltas)
	return appendEvent(events, entry.ReferenceID, outbox.EventTransactionCompleted, txn)
}

// applyReserve writes the PENDING reservation of the withdrawal sub-saga.
// A reservation whose reference id already exists is skipped, not
// duplicated.
func (c *Committer) applyReserve(ctx context.Context, tx BatchTx, entry buffer.Entry,
	accounts map[uuid.UUID]Account, known map[string]*Transaction,
	postings *[]Posting, events *[]outbox.Event, deltas map[uuid.UUID]decimal.Decimal) error {

	if _, dup := known[entry.ReferenceID]; dup {
		c.logger.Warn("skipping duplicate reservation", slog.String("reference_id", entry.ReferenceID))
		return nil
	}
	legs, ok := c.entryLegs(entry, accounts)
	if !ok {
		return c.deadLetter(ctx, tx, entry, known, events, "account missing during batch processing")
	}

	txn := &Transaction{
		ReferenceID: entry.ReferenceID,
		Type:        TypeWithdrawalReserve,
		Status:      StatusPending,
		EffectiveAt: time.UnixMilli(entry.Timestamp).UTC(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	known[entry.ReferenceID] = txn

	c.appendLegs(txn.ID, legs, entry.Amount, postings, deltas)
	return appendEvent(events, entry.ReferenceID, outbox.EventFundsReserved, txn)
}

// applyTransition handles SETTLE and RELEASE: both require an existing
// PENDING reservation and move it to a terminal status. A transition on a
// missing reservation is a protocol error (logged and dropped — retrying
// cannot manufacture a reservation); one on a terminal reservation is a
// no-op.
func (c *Committer) applyTransition(ctx context.Context, tx BatchTx, entry buffer.Entry,
	accounts map[uuid.UUID]Account, known map[string]*Transaction,
	postings *[]Posting, events *[]outbox.Event, deltas map[uuid.UUID]decimal.Decimal,
	target TransactionStatus, metadata, eventType string) error {

	prior, ok := known[entry.ReferenceID]
	if !ok {
		c.logger.Error("sub-saga transition without reservation",
			slog.String("reference_id", entry.ReferenceID),
			slog.String("type", entry.Type))
		return nil
	}
	if prior.Status.Terminal() {
		c.logger.Warn("sub-saga transition on terminal transaction",
			slog.String("reference_id", entry.ReferenceID),
			slog.String("status", string(prior.Status)))
		return nil
	}
	legs, okLegs := c.entryLegs(entry, accounts)
	if !okLegs {
		c.logger.Error("sub-saga transition with missing account",
			slog.String("reference_id", entry.ReferenceID))
		return nil
	}

	if err := tx.UpdateTransactionStatus(ctx, prior.ID, target, metadata); err != nil {
		return err
	}
	prior.Status = target
	if metadata != "" {
		prior.Metadata = metadata
	}

	c.appendLegs(prior.ID, legs, entry.Amount, postings, deltas)
	return appendEvent(events, entry.ReferenceID, eventType, prior)
}

// deadLetter records a FAILED transaction for an entry that can never
// commit. No postings, no retry.
func (c *Committer) deadLetter(ctx context.Context, tx BatchTx, entry buffer.Entry,
	known map[string]*Transaction, events *[]outbox.Event, reason string) error {

	c.logger.Error("dead letter",
		slog.String("reference_id", entry.ReferenceID),
		slog.String("reason", reason))

	txn := &Transaction{
		ReferenceID: entry.ReferenceID,
		Type:        TransactionType(entry.Type),
		Status:      StatusFailed,
		Metadata:    reason,
		EffectiveAt: time.UnixMilli(entry.Timestamp).UTC(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	known[entry.ReferenceID] = txn
	return appendEvent(events, entry.ReferenceID, outbox.EventTransactionFailed, txn)
}

type legPair struct {
	debit  uuid.UUID
	credit uuid.UUID
}

func (c *Committer) entryLegs(entry buffer.Entry, accounts map[uuid.UUID]Account) (legPair, bool) {
	debitID, derr := uuid.Parse(entry.DebitAccountID)
	creditID, cerr := uuid.Parse(entry.CreditAccountID)
	if derr != nil || cerr != nil {
		return legPair{}, false
	}
	if _, ok := accounts[debitID]; !ok {
		return legPair{}, false
	}
	if _, ok := accounts[creditID]; !ok {
		return legPair{}, false
	}
	return legPair{debit: debitID, credit: creditID}, true
}

// appendLegs emits the debit/credit posting pair and merges the balance
// deltas so one batch produces a single additive update per account.
func (c *Committer) appendLegs(transactionID uuid.UUID, legs legPair, amount decimal.Decimal,
	postings *[]Posting, deltas map[uuid.UUID]decimal.Decimal) {

	*postings = append(*postings,
		Posting{TransactionID: transactionID, AccountID: legs.debit, Amount: amount, Direction: DirectionDebit},
		Posting{TransactionID: transactionID, AccountID: legs.credit, Amount: amount, Direction: DirectionCredit},
	)
	deltas[legs.debit] = deltas[legs.debit].Sub(amount)
	deltas[legs.credit] = deltas[legs.credit].Add(amount)
}

func appendEvent(events *[]outbox.Event, referenceID, eventType string, txn *Transaction) error {
	evt, err := outbox.NewEvent(referenceID, eventType, txn)
	if err != nil {
		return err
	}
	*events = append(*events, evt)
	return nil
}
