package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/spot-exchange/internal/models"
)

const userColumns = "id, name, role, api_key_hash, created_at"

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// limitArg turns a non-positive limit into NULL, which LIMIT treats as all.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.APIKeyHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, name, role, api_key_hash) VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.Name, u.Role, u.APIKeyHash).Scan(&u.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to create user %q: %w", u.Name, err))
	}
	return nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// DeleteUser removes a user; orders, their trades and balances cascade.
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "DELETE FROM users WHERE id = $1 RETURNING "+userColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return nil, classify(fmt.Errorf("failed to delete user: %w", err))
	}
	return u, nil
}

func (db *DB) CreateInstrument(ctx context.Context, in *models.Instrument) error {
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO instruments (ticker, name) VALUES ($1, $2) RETURNING created_at",
		in.Ticker, in.Name).Scan(&in.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to create instrument %s: %w", in.Ticker, err))
	}
	return nil
}

func (db *DB) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx, "SELECT ticker, name, created_at FROM instruments ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	instruments := []models.Instrument{}
	for rows.Next() {
		var in models.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

// DeleteInstrument removes an instrument with its order and trade history.
// It refuses while orders rest or anyone holds the ticker.
func (db *DB) DeleteInstrument(ctx context.Context, ticker string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, "SELECT true FROM instruments WHERE ticker = $1 FOR UPDATE", ticker).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("instrument %s: %w", ticker, models.ErrNotFound)
		}
		return fmt.Errorf("failed to get instrument: %w", err)
	}

	var active, held bool
	err = tx.QueryRow(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM orders WHERE ticker = $1 AND price IS NOT NULL
			       AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty),
			EXISTS(SELECT 1 FROM balances WHERE ticker = $1 AND available + frozen > 0)`,
		ticker).Scan(&active, &held)
	if err != nil {
		return fmt.Errorf("failed to check instrument usage: %w", err)
	}
	if active {
		return fmt.Errorf("instrument %s has active orders: %w", ticker, models.ErrInUse)
	}
	if held {
		return fmt.Errorf("instrument %s has balances: %w", ticker, models.ErrInUse)
	}

	for _, q := range []string{
		"DELETE FROM balances WHERE ticker = $1",
		"DELETE FROM trades WHERE ticker = $1",
		"DELETE FROM instruments WHERE ticker = $1",
	} {
		if _, err := tx.Exec(ctx, q, ticker); err != nil {
			return classify(fmt.Errorf("failed to delete instrument %s: %w", ticker, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (db *DB) ListBalances(ctx context.Context, userID uuid.UUID) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, ticker, available, frozen FROM balances WHERE user_id = $1 ORDER BY ticker", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Ticker, &b.Available, &b.Frozen); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListActiveOrders retrieves a user's NEW and PARTIALLY_EXECUTED orders
func (db *DB) ListActiveOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

const bookSide = `
	SELECT price, SUM(qty - filled)::bigint FROM orders
	WHERE ticker = $1 AND direction = $2 AND price IS NOT NULL
	  AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty
	GROUP BY price
	ORDER BY price %s
	LIMIT $3`

// OrderBook aggregates resting limit orders per price level
func (db *DB) OrderBook(ctx context.Context, ticker string, limit int) (*models.OrderBook, error) {
	bids, err := db.levels(ctx, fmt.Sprintf(bookSide, "DESC"), ticker, models.Buy, limit)
	if err != nil {
		return nil, err
	}
	asks, err := db.levels(ctx, fmt.Sprintf(bookSide, "ASC"), ticker, models.Sell, limit)
	if err != nil {
		return nil, err
	}
	return &models.OrderBook{Bids: bids, Asks: asks}, nil
}

func (db *DB) levels(ctx context.Context, query, ticker string, dir models.Direction, limit int) ([]models.Level, error) {
	rows, err := db.Pool.Query(ctx, query, ticker, dir, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	defer rows.Close()

	levels := []models.Level{}
	for rows.Next() {
		var l models.Level
		if err := rows.Scan(&l.Price, &l.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan level: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// RecentTrades retrieves the newest trades for a ticker first
func (db *DB) RecentTrades(ctx context.Context, ticker string, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, ticker, qty, price, created_at FROM trades
		WHERE ticker = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, ticker, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var tr models.Trade
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.Ticker, &tr.Qty, &tr.Price, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}
