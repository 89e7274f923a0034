package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
)

// tx buffers writes until commit. Reads see the buffer first, then the
// committed state; a row is only read after its lock is held, so the
// committed copy cannot change underneath the transaction.
type tx struct {
	s        *Store
	locks    *lockSet
	balances map[store.BalanceKey]models.Balance
	orders   map[uuid.UUID]models.Order
	trades   []models.Trade
}

var _ store.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		locks:    newLockSet(&s.locks),
		balances: make(map[store.BalanceKey]models.Balance),
		orders:   make(map[uuid.UUID]models.Order),
	}
}

func (t *tx) LockBalances(ctx context.Context, keys ...store.BalanceKey) error {
	for _, k := range store.SortBalanceKeys(keys) {
		if err := t.locks.acquire(balanceLockKey(k)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) balance(key store.BalanceKey) (models.Balance, error) {
	if err := t.locks.acquire(balanceLockKey(key)); err != nil {
		return models.Balance{}, err
	}
	if b, ok := t.balances[key]; ok {
		return b, nil
	}
	t.s.mu.RLock()
	b, ok := t.s.balances[key]
	t.s.mu.RUnlock()
	if !ok {
		b = models.Balance{UserID: key.UserID, Ticker: key.Ticker}
	}
	return b, nil
}

func (t *tx) mutate(userID uuid.UUID, ticker string, op func(*models.Balance) error) error {
	key := store.BalanceKey{UserID: userID, Ticker: ticker}
	b, err := t.balance(key)
	if err != nil {
		return err
	}
	if err := op(&b); err != nil {
		return err
	}
	t.balances[key] = b
	return nil
}

func (t *tx) GetBalance(ctx context.Context, userID uuid.UUID, ticker string) (models.Balance, error) {
	return t.balance(store.BalanceKey{UserID: userID, Ticker: ticker})
}

func (t *tx) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(userID, ticker, func(b *models.Balance) error { return b.Deposit(amount) })
}

func (t *tx) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(userID, ticker, func(b *models.Balance) error { return b.Withdraw(amount) })
}

func (t *tx) Freeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(userID, ticker, func(b *models.Balance) error { return b.Freeze(amount) })
}

func (t *tx) Unfreeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(userID, ticker, func(b *models.Balance) error { return b.Unfreeze(amount) })
}

func (t *tx) SpendFrozen(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(userID, ticker, func(b *models.Balance) error { return b.SpendFrozen(amount) })
}

func (t *tx) Transfer(ctx context.Context, from, to uuid.UUID, ticker string, qty int64) error {
	if err := t.LockBalances(ctx,
		store.BalanceKey{UserID: from, Ticker: ticker},
		store.BalanceKey{UserID: to, Ticker: ticker},
	); err != nil {
		return err
	}
	if err := t.Withdraw(ctx, from, ticker, qty); err != nil {
		return err
	}
	return t.Deposit(ctx, to, ticker, qty)
}

func (t *tx) InstrumentExists(ctx context.Context, ticker string) (bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.instruments[ticker]
	return ok, nil
}

func (t *tx) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.Qty <= 0 || (o.Price != nil && *o.Price <= 0) {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrInvalidAmount)
	}
	t.s.mu.RLock()
	_, userOK := t.s.users[o.UserID]
	_, dup := t.s.orders[o.ID]
	t.s.mu.RUnlock()
	if !userOK {
		return fmt.Errorf("user %s: %w", o.UserID, models.ErrNotFound)
	}
	if _, pending := t.orders[o.ID]; dup || pending {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrAlreadyExists)
	}
	if err := t.locks.acquire(orderLockKey(o.ID)); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	t.orders[o.ID] = *o
	return nil
}

func (t *tx) order(id uuid.UUID) (models.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.orders[id]
	return o, ok
}

func (t *tx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if err := t.locks.acquire(orderLockKey(id)); err != nil {
		return nil, err
	}
	o, ok := t.order(id)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

func (t *tx) RestingCounterOrders(ctx context.Context, taker *models.Order) ([]*models.Order, error) {
	var ids []uuid.UUID
	t.s.mu.RLock()
	for id, o := range t.s.orders {
		if _, pending := t.orders[id]; pending {
			continue
		}
		if store.Eligible(taker, &o) {
			ids = append(ids, id)
		}
	}
	t.s.mu.RUnlock()
	for id, o := range t.orders {
		if store.Eligible(taker, &o) {
			ids = append(ids, id)
		}
	}

	// Ascending key order lets every lock above the taker's block instead
	// of failing fast.
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		if err := t.locks.acquire(orderLockKey(id)); err != nil {
			return nil, err
		}
		o, ok := t.order(id)
		if !ok || !store.Eligible(taker, &o) {
			continue
		}
		out = append(out, &o)
	}
	store.SortByPriority(taker.Direction, out)
	return out, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if o.Filled < 0 || o.Filled > o.Qty {
		return fmt.Errorf("order %s filled %d of %d: %w", o.ID, o.Filled, o.Qty, models.ErrInvalidAmount)
	}
	if err := t.locks.acquire(orderLockKey(o.ID)); err != nil {
		return err
	}
	cur, ok := t.order(o.ID)
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotFound)
	}
	cur.Filled, cur.Status = o.Filled, o.Status
	t.orders[o.ID] = cur
	return nil
}

func (t *tx) CancelOrder(ctx context.Context, o *models.Order) error {
	if err := t.locks.acquire(orderLockKey(o.ID)); err != nil {
		return err
	}
	cur, ok := t.order(o.ID)
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotFound)
	}
	if cur.IsMarket() || cur.IsTerminal() {
		return fmt.Errorf("order %s is %s: %w", o.ID, cur.Status, models.ErrNotCancellable)
	}
	cur.Status = models.StatusCancelled
	t.orders[o.ID] = cur
	o.Status = cur.Status
	return nil
}

func (t *tx) RecordTrade(ctx context.Context, tr *models.Trade) error {
	if tr.Qty <= 0 || tr.Price <= 0 {
		return fmt.Errorf("trade qty %d price %d: %w", tr.Qty, tr.Price, models.ErrInvalidAmount)
	}
	if tr.BuyOrderID == tr.SellOrderID {
		return fmt.Errorf("%w: trade cannot match order %s with itself", models.ErrInvalidOrder, tr.BuyOrderID)
	}
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	t.trades = append(t.trades, *tr)
	return nil
}
