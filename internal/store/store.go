// Package store defines the transactional persistence contract. Every mutation of
// account-scoped state runs inside Atomic for exactly one account.
package store

import (
	"context"
	"errors"

	"lv-margin/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("concurrent modification, retry")
	ErrImmutable = errors.New("record is immutable")
	ErrDuplicate = errors.New("duplicate record")
	ErrReadOnly  = errors.New("write in read-only transaction")
)

// Store is implemented by memory.Store and postgres.Store.
type Store interface {
	// Atomic runs fn in one transaction scoped to accountID. A non-nil error from fn
	// (or a cancelled ctx) rolls back every write made through tx.
	Atomic(ctx context.Context, accountID string, fn func(tx Tx) error) error
	// Read runs fn against a consistent snapshot of accountID. Writes fail with ErrReadOnly.
	Read(ctx context.Context, accountID string, fn func(tx Tx) error) error
	CreateAccount(ctx context.Context, acc model.Account) error
	AccountIDs(ctx context.Context) ([]string, error)
	// Liquidation finds an event by id regardless of account.
	Liquidation(ctx context.Context, id string) (model.LiquidationEvent, error)
	Ping(ctx context.Context) error
}

// Tx exposes typed repositories bound to the transaction's account.
type Tx interface {
	AccountID() string
	Accounts() AccountRepository
	Positions() PositionRepository
	Orders() OrderRepository
	Fills() FillRepository
	Ledger() LedgerRepository
	Idempotency() IdempotencyRepository
	MarginCalls() MarginCallRepository
	Liquidations() LiquidationRepository
}

type AccountRepository interface {
	Get(ctx context.Context) (model.Account, error)
	Update(ctx context.Context, acc model.Account) error
}

type PositionRepository interface {
	Get(ctx context.Context, id string) (model.Position, error)
	ListOpen(ctx context.Context) ([]model.Position, error)
	Insert(ctx context.Context, p model.Position) error
	Update(ctx context.Context, p model.Position) error
}

type OrderRepository interface {
	Get(ctx context.Context, id string) (model.Order, error)
	Insert(ctx context.Context, o model.Order) error
}

type FillRepository interface {
	Insert(ctx context.Context, f model.Fill) error
	ListByOrder(ctx context.Context, orderID string) ([]model.Fill, error)
}

type LedgerRepository interface {
	// Last returns ErrNotFound for an account without entries.
	Last(ctx context.Context) (model.LedgerEntry, error)
	Append(ctx context.Context, e model.LedgerEntry) error
	List(ctx context.Context) ([]model.LedgerEntry, error)
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (model.IdempotencyRecord, error)
	Put(ctx context.Context, rec model.IdempotencyRecord) error
}

type MarginCallRepository interface {
	// Active returns the unresolved event, or ErrNotFound.
	Active(ctx context.Context) (model.MarginCallEvent, error)
	Insert(ctx context.Context, e model.MarginCallEvent) error
	Update(ctx context.Context, e model.MarginCallEvent) error
}

type LiquidationRepository interface {
	Get(ctx context.Context, id string) (model.LiquidationEvent, error)
	// Open returns the initiated or processing event, or ErrNotFound.
	Open(ctx context.Context) (model.LiquidationEvent, error)
	// Latest returns the most recently created event, or ErrNotFound.
	Latest(ctx context.Context) (model.LiquidationEvent, error)
	Insert(ctx context.Context, e model.LiquidationEvent) error
	// Update fails with ErrImmutable once the stored event is terminal.
	Update(ctx context.Context, e model.LiquidationEvent) error
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable reports errors caused by a concurrent writer. A duplicate insert
// means another transaction won the race; rerunning observes its result.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicate)
}
