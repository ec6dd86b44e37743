package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openledger/openledger/internal/ledger/buffer"
	"github.com/openledger/openledger/internal/outbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStagingBuffer(t *testing.T) (*buffer.Buffer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return buffer.New(client), client
}

// mockRepository is an in-memory Repository plus BatchTx factory. WithBatch
// runs the callback against a copy of the state and publishes the copy only
// on success, mirroring storage transaction atomicity.
type mockRepository struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]Account
	userIdx   map[string]uuid.UUID
	systemIdx map[string]uuid.UUID
	txns      map[string]Transaction
	postings  []Posting
	events    []outbox.Event

	failBatch error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		accounts:  map[uuid.UUID]Account{},
		userIdx:   map[string]uuid.UUID{},
		systemIdx: map[string]uuid.UUID{},
		txns:      map[string]Transaction{},
	}
}

func (m *mockRepository) addUserAccount(t *testing.T, userID uuid.UUID, currency string, typ AccountType, status AccountStatus, balance string) Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := userID
	a := Account{
		ID:       uuid.New(),
		UserID:   &uid,
		Name:     "user account",
		Type:     typ,
		Currency: currency,
		Balance:  decimal.RequireFromString(balance),
		Status:   status,
	}
	m.accounts[a.ID] = a
	m.userIdx[userID.String()+"|"+currency] = a.ID
	return a
}

func (m *mockRepository) addSystemAccount(t *testing.T, name, currency string, typ AccountType, balance string) Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a := Account{
		ID:       uuid.New(),
		Name:     name,
		Type:     typ,
		Currency: currency,
		Balance:  decimal.RequireFromString(balance),
		Status:   AccountStatusActive,
	}
	m.accounts[a.ID] = a
	m.systemIdx[name+"|"+currency] = a.ID
	return a
}

// seedReservation writes a durable reservation with its posting pair, the
// state a committed RESERVE leaves behind.
func (m *mockRepository) seedReservation(referenceID string, status TransactionStatus, debitID, creditID uuid.UUID, amount string) Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := Transaction{
		ID:          uuid.New(),
		ReferenceID: referenceID,
		Type:        TypeWithdrawalReserve,
		Status:      status,
	}
	m.txns[referenceID] = txn
	amt := decimal.RequireFromString(amount)
	m.postings = append(m.postings,
		Posting{ID: uuid.New(), TransactionID: txn.ID, AccountID: debitID, Amount: amt, Direction: DirectionDebit},
		Posting{ID: uuid.New(), TransactionID: txn.ID, AccountID: creditID, Amount: amt, Direction: DirectionCredit},
	)
	return txn
}

func (m *mockRepository) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	require.True(t, ok, "account %s not found", id)
	return a.Balance
}

func (m *mockRepository) transaction(ref string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[ref]
	return txn, ok
}

func (m *mockRepository) postingsFor(id uuid.UUID) []Posting {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Posting
	for _, p := range m.postings {
		if p.TransactionID == id {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockRepository) eventsOfType(eventType string) []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockRepository) totalBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, a := range m.accounts {
		sum = sum.Add(a.Balance)
	}
	return sum
}

func (m *mockRepository) UserAccount(_ context.Context, userID uuid.UUID, currency string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.userIdx[userID.String()+"|"+currency]
	if !ok {
		return Account{}, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	return m.accounts[id], nil
}

func (m *mockRepository) SystemAccount(_ context.Context, name, currency string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.systemIdx[name+"|"+currency]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrMissingSystemAccount, name)
	}
	return m.accounts[id], nil
}

func (m *mockRepository) ReferenceExists(_ context.Context, referenceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txns[referenceID]
	return ok, nil
}

func (m *mockRepository) ReservationLegs(_ context.Context, referenceID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[referenceID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: reference %s", ErrTransactionNotFound, referenceID)
	}
	res := Reservation{Transaction: txn}
	for _, p := range m.postings {
		if p.TransactionID != txn.ID {
			continue
		}
		res.Amount = p.Amount
		if p.Direction == DirectionDebit {
			res.DebitAccountID = p.AccountID
		} else {
			res.CreditAccountID = p.AccountID
		}
	}
	return res, nil
}

func (m *mockRepository) SaveRejection(_ context.Context, txn Transaction, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[txn.ReferenceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ReferenceID)
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	m.txns[txn.ReferenceID] = txn
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRepository) WithBatch(ctx context.Context, fn func(context.Context, BatchTx) error) error {
	m.mu.Lock()
	bt := &mockBatchTx{
		accounts: maps.Clone(m.accounts),
		txns:     maps.Clone(m.txns),
	}
	m.mu.Unlock()
	if err := fn(ctx, bt); err != nil {
		return err
	}
	if m.failBatch != nil {
		return m.failBatch
	}
	m.mu.Lock()
	m.accounts = bt.accounts
	m.txns = bt.txns
	m.postings = append(m.postings, bt.postings...)
	m.events = append(m.events, bt.events...)
	m.mu.Unlock()
	return nil
}

type mockBatchTx struct {
	accounts map[uuid.UUID]Account
	txns     map[string]Transaction
	postings []Posting
	events   []outbox.Event
}

func (b *mockBatchTx) AccountsByID(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]Account, error) {
	out := make(map[uuid.UUID]Account, len(ids))
	for _, id := range ids {
		if a, ok := b.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (b *mockBatchTx) TransactionsByReference(_ context.Context, refs []string) (map[string]Transaction, error) {
	out := make(map[string]Transaction, len(refs))
	for _, ref := range refs {
		if txn, ok := b.txns[ref]; ok {
			out[ref] = txn
		}
	}
	return out, nil
}

func (b *mockBatchTx) InsertTransaction(_ context.Context, txn *Transaction) error {
	if _, ok := b.txns[txn.ReferenceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ReferenceID)
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	b.txns[txn.ReferenceID] = *txn
	return nil
}

func (b *mockBatchTx) UpdateTransactionStatus(_ context.Context, id uuid.UUID, status TransactionStatus, metadata string) error {
	for ref, txn := range b.txns {
		if txn.ID != id {
			continue
		}
		txn.Status = status
		if metadata != "" {
			txn.Metadata = metadata
		}
		txn.Version++
		b.txns[ref] = txn
		return nil
	}
	return fmt.Errorf("%w: id %s", ErrTransactionNotFound, id)
}

func (b *mockBatchTx) InsertPostings(_ context.Context, postings []Posting) error {
	b.postings = append(b.postings, postings...)
	return nil
}

func (b *mockBatchTx) ApplyBalanceDelta(_ context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	a, ok := b.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrAccountNotFound, accountID)
	}
	a.Balance = a.Balance.Add(delta)
	a.Version++
	b.accounts[accountID] = a
	return nil
}

func (b *mockBatchTx) InsertOutbox(_ context.Context, events []outbox.Event) error {
	b.events = append(b.events, events...)
	return nil
}
