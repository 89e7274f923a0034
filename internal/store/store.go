// Package store defines the transactional storage contract the exchange
// engine runs against: the balance ledger, the order store and the trade
// recorder, plus the non-locking directory reads behind the API.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
)

// ErrConflict reports a lock conflict, a serialization failure or a detected
// deadlock. The transaction was rolled back and may be retried as a whole.
var ErrConflict = errors.New("transaction conflict")

// Store is a storage backend. WithTx runs fn in one atomic unit of work: all
// writes made through the Tx become durable together when fn returns nil
// and are discarded otherwise. Row locks taken through the Tx are held until
// WithTx returns.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Directory
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	Ledger
	Orders
	Trades
}

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID uuid.UUID
	Ticker string
}

// Ledger mutates balances. Every mutation locks the row it touches for the
// rest of the transaction. Missing rows read as zero and are created on
// first write.
type Ledger interface {
	// LockBalances locks the given rows in the global key order.
	LockBalances(ctx context.Context, keys ...BalanceKey) error
	GetBalance(ctx context.Context, userID uuid.UUID, ticker string) (models.Balance, error)
	Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	Freeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	Unfreeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	SpendFrozen(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	Transfer(ctx context.Context, from, to uuid.UUID, ticker string, qty int64) error
}

// Orders reads and writes order rows under lock.
type Orders interface {
	InstrumentExists(ctx context.Context, ticker string) (bool, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// RestingCounterOrders returns the locked counter-orders eligible for
	// taker, best first (see Eligible and Less).
	RestingCounterOrders(ctx context.Context, taker *models.Order) ([]*models.Order, error)
	// UpdateOrder persists filled and status.
	UpdateOrder(ctx context.Context, o *models.Order) error
	// CancelOrder marks a NEW or PARTIALLY_EXECUTED limit order CANCELLED.
	// Releasing its reserve is the caller's job.
	CancelOrder(ctx context.Context, o *models.Order) error
}

// Trades appends trade records.
type Trades interface {
	RecordTrade(ctx context.Context, t *models.Trade) error
}

// Directory holds the non-transactional reads and the user/instrument
// administration used by the API.
type Directory interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	// DeleteUser removes the user with its orders, their trades and its balances.
	DeleteUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	CreateInstrument(ctx context.Context, in *models.Instrument) error
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
	// DeleteInstrument fails with models.ErrInUse while orders rest or
	// balances are held in the ticker.
	DeleteInstrument(ctx context.Context, ticker string) error

	ListBalances(ctx context.Context, userID uuid.UUID) ([]models.Balance, error)
	ListActiveOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	OrderBook(ctx context.Context, ticker string, limit int) (*models.OrderBook, error)
	RecentTrades(ctx context.Context, ticker string, limit int) ([]models.Trade, error)
}
