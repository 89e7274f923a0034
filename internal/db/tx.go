package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
)

const orderColumns = "id, user_id, ticker, direction, qty, price, filled, status, created_at"

type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Qty, &o.Price, &o.Filled, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// lockBalance reads a balance row FOR UPDATE. A missing row reads as zero
// and takes no lock; the first deposit creates it through an upsert.
func (t *pgTx) lockBalance(ctx context.Context, userID uuid.UUID, ticker string) (models.Balance, error) {
	b := models.Balance{UserID: userID, Ticker: ticker}
	err := t.tx.QueryRow(ctx,
		"SELECT available, frozen FROM balances WHERE user_id = $1 AND ticker = $2 FOR UPDATE",
		userID, ticker).Scan(&b.Available, &b.Frozen)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return b, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

func (t *pgTx) LockBalances(ctx context.Context, keys ...store.BalanceKey) error {
	for _, k := range store.SortBalanceKeys(keys) {
		if _, err := t.lockBalance(ctx, k.UserID, k.Ticker); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID uuid.UUID, ticker string) (models.Balance, error) {
	return t.lockBalance(ctx, userID, ticker)
}

// mutate applies op to the locked row and writes it back. Every op other
// than deposit needs a positive balance, so it only ever updates rows that
// already exist.
func (t *pgTx) mutate(ctx context.Context, userID uuid.UUID, ticker string, op func(*models.Balance) error) error {
	b, err := t.lockBalance(ctx, userID, ticker)
	if err != nil {
		return err
	}
	if err := op(&b); err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		"UPDATE balances SET available = $3, frozen = $4 WHERE user_id = $1 AND ticker = $2",
		userID, ticker, b.Available, b.Frozen)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *pgTx) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, ticker, available) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, ticker) DO UPDATE SET available = balances.available + EXCLUDED.available`,
		userID, ticker, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	return nil
}

func (t *pgTx) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(ctx, userID, ticker, func(b *models.Balance) error { return b.Withdraw(amount) })
}

func (t *pgTx) Freeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(ctx, userID, ticker, func(b *models.Balance) error { return b.Freeze(amount) })
}

func (t *pgTx) Unfreeze(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(ctx, userID, ticker, func(b *models.Balance) error { return b.Unfreeze(amount) })
}

func (t *pgTx) SpendFrozen(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	return t.mutate(ctx, userID, ticker, func(b *models.Balance) error { return b.SpendFrozen(amount) })
}

func (t *pgTx) Transfer(ctx context.Context, from, to uuid.UUID, ticker string, qty int64) error {
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

func (t *pgTx) InstrumentExists(ctx context.Context, ticker string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM instruments WHERE ticker = $1)", ticker).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check instrument existence: %w", err)
	}
	return exists, nil
}

// CreateOrder inserts a new order
func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.Qty <= 0 || (o.Price != nil && *o.Price <= 0) {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrInvalidAmount)
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
		RETURNING created_at`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Qty, o.Price, o.Filled, o.Status, nullTime(o.CreatedAt),
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// Counter-order queries, best price first. A NULL $5 is a market taker.
const (
	asksForBuyer = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE ticker = $1 AND direction = 'SELL' AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		  AND price IS NOT NULL AND filled < qty AND user_id <> $2 AND id <> $3
		  AND ($4::bigint IS NULL OR price <= $4)
		ORDER BY price ASC, created_at ASC, id ASC
		FOR UPDATE`
	bidsForSeller = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE ticker = $1 AND direction = 'BUY' AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		  AND price IS NOT NULL AND filled < qty AND user_id <> $2 AND id <> $3
		  AND ($4::bigint IS NULL OR price >= $4)
		ORDER BY price DESC, created_at ASC, id ASC
		FOR UPDATE`
)

func (t *pgTx) RestingCounterOrders(ctx context.Context, taker *models.Order) ([]*models.Order, error) {
	query := asksForBuyer
	if taker.Direction == models.Sell {
		query = bidsForSeller
	}
	rows, err := t.tx.Query(ctx, query, taker.Ticker, taker.UserID, taker.ID, taker.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to query counter-orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if store.Eligible(taker, o) {
			orders = append(orders, o)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortByPriority(taker.Direction, orders)
	return orders, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if o.Filled < 0 || o.Filled > o.Qty {
		return fmt.Errorf("order %s filled %d of %d: %w", o.ID, o.Filled, o.Qty, models.ErrInvalidAmount)
	}
	tag, err := t.tx.Exec(ctx, "UPDATE orders SET filled = $2, status = $3 WHERE id = $1", o.ID, o.Filled, o.Status)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotFound)
	}
	return nil
}

func (t *pgTx) CancelOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = 'CANCELLED'
		WHERE id = $1 AND price IS NOT NULL AND status IN ('NEW', 'PARTIALLY_EXECUTED')`, o.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotCancellable)
	}
	o.Status = models.StatusCancelled
	return nil
}

// RecordTrade inserts a new trade
func (t *pgTx) RecordTrade(ctx context.Context, tr *models.Trade) error {
	if tr.Qty <= 0 || tr.Price <= 0 {
		return fmt.Errorf("trade qty %d price %d: %w", tr.Qty, tr.Price, models.ErrInvalidAmount)
	}
	if tr.BuyOrderID == tr.SellOrderID {
		return fmt.Errorf("%w: trade cannot match order %s with itself", models.ErrInvalidOrder, tr.BuyOrderID)
	}
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, ticker, qty, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING created_at`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.Ticker, tr.Qty, tr.Price, nullTime(tr.CreatedAt),
	).Scan(&tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}
