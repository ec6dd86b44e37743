package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AccountPair is the (debit, credit) outcome of account resolution.
type AccountPair struct {
	Debit  Account
	Credit Account
}

// AccountLookup is the read surface account resolution needs. It never
// mutates anything and never rejects on balance or status.
type AccountLookup interface {
	UserAccount(ctx context.Context, userID uuid.UUID, currency string) (Account, error)
	SystemAccount(ctx context.Context, name, currency string) (Account, error)
}

type resolverFunc func(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error)

// resolvers maps each transaction type to its debit/credit rule. The table
// is closed: anything absent fails with ErrUnsupportedType.
var resolvers = map[TransactionType]resolverFunc{
	TypeDeposit: func(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
		return pair(ctx,
			system(lookup, SystemWorldLiquidity, req.Currency),
			user(lookup, req.ReceiverID, req.Currency))
	},
	TypeWithdrawal: func(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
		return pair(ctx,
			user(lookup, req.SenderID, req.Currency),
			system(lookup, SystemWorldLiquidity, req.Currency))
	},
	TypeTransfer:   resolveUserToUser,
	TypePayment:    resolveUserToUser,
	TypeAdjustment: resolveUserToUser,
	TypeRefund:     resolveUserToUser,
	TypeFee: func(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
		return pair(ctx,
			user(lookup, req.SenderID, req.Currency),
			system(lookup, SystemRevenue, req.Currency))
	},
	TypeInterest: func(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
		return pair(ctx,
			system(lookup, SystemInterestExpense, req.Currency),
			user(lookup, req.ReceiverID, req.Currency))
	},
}

func resolveUserToUser(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
	return pair(ctx,
		user(lookup, req.SenderID, req.Currency),
		user(lookup, req.ReceiverID, req.Currency))
}

// ResolveAccounts maps a transaction type to its (debit, credit) account
// pair. Pure lookup: failures are limited to unknown types and missing
// accounts.
func ResolveAccounts(ctx context.Context, lookup AccountLookup, req TransactionRequest) (AccountPair, error) {
	resolve, ok := resolvers[req.Type]
	if !ok {
		return AccountPair{}, fmt.Errorf("%w: %s", ErrUnsupportedType, req.Type)
	}
	return resolve(ctx, lookup, req)
}

type accountFetch func(ctx context.Context) (Account, error)

func pair(ctx context.Context, debit, credit accountFetch) (AccountPair, error) {
	d, err := debit(ctx)
	if err != nil {
		return AccountPair{}, err
	}
	c, err := credit(ctx)
	if err != nil {
		return AccountPair{}, err
	}
	return AccountPair{Debit: d, Credit: c}, nil
}

func user(lookup AccountLookup, userID *uuid.UUID, currency string) accountFetch {
	return func(ctx context.Context) (Account, error) {
		if userID == nil {
			return Account{}, fmt.Errorf("%w: user id missing", ErrInvalidRequest)
		}
		return lookup.UserAccount(ctx, *userID, currency)
	}
}

func system(lookup AccountLookup, name, currency string) accountFetch {
	return func(ctx context.Context) (Account, error) {
		return lookup.SystemAccount(ctx, name, currency)
	}
}
