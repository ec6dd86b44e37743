package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openledger/openledger/internal/outbox"
	"github.com/openledger/openledger/internal/platform/db"
)

// Reservation describes the legs of a durably committed RESERVE so a later
// release can reverse them without the caller restating amount or accounts.
type Reservation struct {
	Transaction     Transaction
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          decimal.Decimal
}

// Repository is the ledger's durable storage surface.
type Repository interface {
	AccountLookup
	ReferenceExists(ctx context.Context, referenceID string) (bool, error)
	ReservationLegs(ctx context.Context, referenceID string) (Reservation, error)
	SaveRejection(ctx context.Context, txn Transaction, evt outbox.Event) error
	WithBatch(ctx context.Context, fn func(context.Context, BatchTx) error) error
}

// BatchTx exposes the operations available inside one batch-commit storage
// transaction. Everything written through it becomes durable atomically.
type BatchTx interface {
	AccountsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Account, error)
	TransactionsByReference(ctx context.Context, refs []string) (map[string]Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TransactionStatus, metadata string) error
	InsertPostings(ctx context.Context, postings []Posting) error
	ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error
	InsertOutbox(ctx context.Context, events []outbox.Event) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const accountColumns = `id, user_id, name, type, currency, balance, status, version, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Currency, &a.Balance, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *repository) UserAccount(ctx context.Context, userID uuid.UUID, currency string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND currency = $2`, userID, currency)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: load user account: %w", err)
	}
	return a, nil
}

func (r *repository) SystemAccount(ctx context.Context, name, currency string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id IS NULL AND name = $1 AND currency = $2`, name, currency)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrMissingSystemAccount, name)
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: load system account: %w", err)
	}
	return a, nil
}

func (r *repository) ReferenceExists(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE reference_id = $1)`, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: reference exists: %w", err)
	}
	return exists, nil
}

func (r *repository) ReservationLegs(ctx context.Context, referenceID string) (Reservation, error) {
	var res Reservation
	err := r.pool.QueryRow(ctx, `SELECT id, reference_id, type, status, metadata, effective_at, version, created_at
FROM transactions WHERE reference_id = $1`, referenceID).
		Scan(&res.Transaction.ID, &res.Transaction.ReferenceID, &res.Transaction.Type, &res.Transaction.Status,
			&res.Transaction.Metadata, &res.Transaction.EffectiveAt, &res.Transaction.Version, &res.Transaction.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("%w: reference %s", ErrTransactionNotFound, referenceID)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: load reservation: %w", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT account_id, amount, direction FROM postings WHERE transaction_id = $1`, res.Transaction.ID)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: load reservation postings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var accountID uuid.UUID
		var amount decimal.Decimal
		var direction PostingDirection
		if err := rows.Scan(&accountID, &amount, &direction); err != nil {
			return Reservation{}, fmt.Errorf("ledger: scan reservation posting: %w", err)
		}
		res.Amount = amount
		if direction == DirectionDebit {
			res.DebitAccountID = accountID
		} else {
			res.CreditAccountID = accountID
		}
	}
	if err := rows.Err(); err != nil {
		return Reservation{}, fmt.Errorf("ledger: iterate reservation postings: %w", err)
	}
	return res, nil
}

// SaveRejection persists a terminal rejected transaction and its outbox
// event in one storage transaction. This is the only synchronous write on
// the admission path.
func (r *repository) SaveRejection(ctx context.Context, txn Transaction, evt outbox.Event) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertTransaction(ctx, tx, &txn); err != nil {
			return err
		}
		return outbox.InsertTx(ctx, tx, []outbox.Event{evt})
	})
}

func (r *repository) WithBatch(ctx context.Context, fn func(context.Context, BatchTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &batchTx{tx: tx})
	})
}

type batchTx struct {
	tx pgx.Tx
}

func (b *batchTx) AccountsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Account, error) {
	out := make(map[uuid.UUID]Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := b.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: load accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (b *batchTx) TransactionsByReference(ctx context.Context, refs []string) (map[string]Transaction, error) {
	out := make(map[string]Transaction, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	rows, err := b.tx.Query(ctx, `SELECT id, reference_id, type, status, metadata, effective_at, version, created_at
FROM transactions WHERE reference_id = ANY($1)`, refs)
	if err != nil {
		return nil, fmt.Errorf("ledger: load transactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.ReferenceID, &t.Type, &t.Status, &t.Metadata, &t.EffectiveAt, &t.Version, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out[t.ReferenceID] = t
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, `INSERT INTO transactions (id, reference_id, type, status, metadata, effective_at, version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())`,
		txn.ID, txn.ReferenceID, txn.Type, txn.Status, txn.Metadata, txn.EffectiveAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ReferenceID)
		}
		return fmt.Errorf("ledger: insert transaction %s: %w", txn.ReferenceID, err)
	}
	return nil
}

func (b *batchTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransaction(ctx, b.tx, txn)
}

func (b *batchTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TransactionStatus, metadata string) error {
	cmd, err := b.tx.Exec(ctx, `UPDATE transactions SET status = $2, metadata = COALESCE(NULLIF($3, ''), metadata), version = version + 1 WHERE id = $1`,
		id, status, metadata)
	if err != nil {
		return fmt.Errorf("ledger: update transaction status: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrTransactionNotFound, id)
	}
	return nil
}

func (b *batchTx) InsertPostings(ctx context.Context, postings []Posting) error {
	for _, p := range postings {
		id := p.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := b.tx.Exec(ctx, `INSERT INTO postings (id, transaction_id, account_id, amount, direction)
VALUES ($1, $2, $3, $4, $5)`, id, p.TransactionID, p.AccountID, p.Amount, p.Direction)
		if err != nil {
			return fmt.Errorf("ledger: insert posting: %w", err)
		}
	}
	return nil
}

// ApplyBalanceDelta adds the accumulated net delta in a single additive
// update. The committer is the only writer of these rows, so no optimistic
// retry is needed here.
func (b *batchTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	cmd, err := b.tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, version = version + 1, updated_at = NOW() WHERE id = $1`,
		accountID, delta)
	if err != nil {
		return fmt.Errorf("ledger: apply balance delta: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (b *batchTx) InsertOutbox(ctx context.Context, events []outbox.Event) error {
	return outbox.InsertTx(ctx, b.tx, events)
}
