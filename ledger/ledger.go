// Package ledger declares the storage contract the purchase pipeline runs
// against: account balances, sellable listing state and the append-only
// transaction log, grouped behind a unit of work.
package ledger

import (
	"context"

	"carbonmarket/listing"
	"carbonmarket/models"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	GetBalance(ctx context.Context, id string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, id string, balance decimal.Decimal) error
}

type TransactionLog interface {
	Append(ctx context.Context, tx models.Transaction) error
}

type Ledger interface {
	AccountStore
	listing.Store
	TransactionLog
}

type TxFunc func(ctx context.Context, l Ledger) error

// UnitOfWork runs fn against a Ledger bound to a single storage
// transaction when the backend has one. A non-nil error from fn discards
// whatever the backend can discard; callers must still undo writes on
// backends without rollback.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn TxFunc) error
}

// Transactional is implemented by ledgers whose writes are discarded when
// the surrounding RunInTx function returns an error.
type Transactional interface {
	Transactional() bool
}
