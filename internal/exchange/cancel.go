package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// CancelResult describes a cancellation.
type CancelResult struct {
	Order *models.Order
	// Ticker and Released are the reserve handed back to available.
	Ticker   string
	Released int64
	// AlreadyTerminal is set when the order had finished before the cancel
	// took its lock; nothing changed.
	AlreadyTerminal bool
}

// CancelOrder cancels userID's resting limit order and releases its reserve.
// Orders of other users are reported as not found.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*CancelResult, error) {
	var res *CancelResult
	err := e.inTx(ctx, "cancel", func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
		}
		if o.IsTerminal() {
			res = &CancelResult{Order: o, AlreadyTerminal: true}
			return nil
		}
		if o.IsMarket() {
			return fmt.Errorf("order %s is a market order: %w", orderID, models.ErrNotCancellable)
		}

		ticker, amount := e.reserve(o)
		if amount > 0 {
			if err := tx.Unfreeze(ctx, o.UserID, ticker, amount); err != nil {
				return fmt.Errorf("%w: releasing order %s: %w", ErrIntegrity, o.ID, err)
			}
		}
		if err := tx.CancelOrder(ctx, o); err != nil {
			return err
		}
		o.Status = models.StatusCancelled
		res = &CancelResult{Order: o, Ticker: ticker, Released: amount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyTerminal {
		e.log.Info("order cancelled",
			zap.String("order_id", orderID.String()),
			zap.String("ticker", res.Ticker),
			zap.Int64("released", res.Released))
	}
	return res, nil
}
