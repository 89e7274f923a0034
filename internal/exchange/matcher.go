package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// matchCycle runs one matching cycle for the order inside tx. The taker row
// and every counter-order row are locked before any balance row, and the
// balance rows of all participants are locked together in key order.
func (e *Exchange) matchCycle(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*MatchResult, error) {
	taker, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !taker.Matchable() {
		return &MatchResult{Order: taker, AlreadyTerminal: taker.IsTerminal()}, nil
	}

	counters, err := tx.RestingCounterOrders(ctx, taker)
	if err != nil {
		return nil, fmt.Errorf("failed to load counter-orders: %w", err)
	}

	keys := []store.BalanceKey{
		{UserID: taker.UserID, Ticker: e.quote},
		{UserID: taker.UserID, Ticker: taker.Ticker},
	}
	for _, c := range counters {
		keys = append(keys,
			store.BalanceKey{UserID: c.UserID, Ticker: e.quote},
			store.BalanceKey{UserID: c.UserID, Ticker: c.Ticker},
		)
	}
	if err := tx.LockBalances(ctx, keys...); err != nil {
		return nil, fmt.Errorf("failed to lock balances: %w", err)
	}

	res := &MatchResult{Order: taker}
	for _, counter := range counters {
		remaining := taker.Remaining()
		if remaining <= 0 {
			break
		}
		qty := min(remaining, counter.Remaining())
		if qty <= 0 {
			continue
		}
		price := *counter.Price

		if taker.IsMarket() {
			affordable, err := e.affordable(ctx, tx, taker, price)
			if err != nil {
				return nil, err
			}
			qty = min(qty, affordable)
			if qty <= 0 {
				break
			}
		}

		trade, err := e.settle(ctx, tx, taker, counter, qty, price)
		if err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, *trade)
	}

	if taker.IsMarket() && taker.Filled == 0 {
		taker.Status = models.StatusCancelled
	} else {
		taker.Status = models.StatusFor(taker.Filled, taker.Qty)
	}
	if taker.IsTerminal() {
		if err := e.releaseLeftover(ctx, tx, taker); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdateOrder(ctx, taker); err != nil {
		return nil, fmt.Errorf("failed to update order %s: %w", taker.ID, err)
	}
	return res, nil
}

// affordable caps a market taker's trade to what its available balance
// covers at price.
func (e *Exchange) affordable(ctx context.Context, tx store.Tx, taker *models.Order, price int64) (int64, error) {
	if taker.Direction == models.Buy {
		b, err := tx.GetBalance(ctx, taker.UserID, e.quote)
		if err != nil {
			return 0, err
		}
		return b.Available / price, nil
	}
	b, err := tx.GetBalance(ctx, taker.UserID, taker.Ticker)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// settle executes one trade of qty at price between taker and counter.
func (e *Exchange) settle(ctx context.Context, tx store.Tx, taker, counter *models.Order, qty, price int64) (*models.Trade, error) {
	buy, sell := taker, counter
	if taker.Direction == models.Sell {
		buy, sell = counter, taker
	}
	cost, err := notional(qty, price)
	if err != nil {
		return nil, err
	}

	// Buyer pays quote and receives the asset.
	if buy.IsMarket() {
		err = tx.Withdraw(ctx, buy.UserID, e.quote, cost)
	} else {
		err = tx.SpendFrozen(ctx, buy.UserID, e.quote, cost)
	}
	if err != nil {
		return nil, integrity(buy, err)
	}
	if !buy.IsMarket() && *buy.Price > price {
		if err := tx.Unfreeze(ctx, buy.UserID, e.quote, qty*(*buy.Price-price)); err != nil {
			return nil, integrity(buy, err)
		}
	}
	if err := tx.Deposit(ctx, buy.UserID, buy.Ticker, qty); err != nil {
		return nil, integrity(buy, err)
	}

	// Seller delivers the asset and receives quote.
	if sell.IsMarket() {
		err = tx.Withdraw(ctx, sell.UserID, sell.Ticker, qty)
	} else {
		err = tx.SpendFrozen(ctx, sell.UserID, sell.Ticker, qty)
	}
	if err != nil {
		return nil, integrity(sell, err)
	}
	if err := tx.Deposit(ctx, sell.UserID, e.quote, cost); err != nil {
		return nil, integrity(sell, err)
	}

	trade := &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Ticker:      taker.Ticker,
		Qty:         qty,
		Price:       price,
		CreatedAt:   e.now(),
	}
	if err := tx.RecordTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}

	taker.Filled += qty
	counter.Filled += qty
	counter.Status = models.StatusFor(counter.Filled, counter.Qty)
	if err := tx.UpdateOrder(ctx, counter); err != nil {
		return nil, fmt.Errorf("failed to update order %s: %w", counter.ID, err)
	}
	return trade, nil
}

// releaseLeftover unfreezes what a terminal limit order still reserves.
// Running short of reserve here is logged and ignored: the trades already
// settled correctly.
func (e *Exchange) releaseLeftover(ctx context.Context, tx store.Tx, o *models.Order) error {
	ticker, amount := e.reserve(o)
	if amount <= 0 {
		return nil
	}
	err := tx.Unfreeze(ctx, o.UserID, ticker, amount)
	if errors.Is(err, models.ErrInsufficientReserve) {
		e.log.Warn("failed to release leftover reserve",
			zap.String("order_id", o.ID.String()),
			zap.String("user_id", o.UserID.String()),
			zap.String("ticker", ticker),
			zap.Int64("amount", amount),
			zap.Error(err))
		return nil
	}
	return err
}

func integrity(o *models.Order, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: order %s: %w", ErrIntegrity, o.ID, err)
}

func notional(qty, price int64) (int64, error) {
	if qty <= 0 || price <= 0 {
		return 0, fmt.Errorf("qty %d price %d: %w", qty, price, models.ErrInvalidAmount)
	}
	if qty > math.MaxInt64/price {
		return 0, fmt.Errorf("qty %d price %d overflows: %w", qty, price, models.ErrInvalidAmount)
	}
	return qty * price, nil
}
