package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// PlaceOrder validates and persists a new order, freezing what a limit order
// needs. It does not match; the caller dispatches the returned order's id.
func (e *Exchange) PlaceOrder(ctx context.Context, userID uuid.UUID, req models.OrderRequest) (*models.Order, error) {
	o, err := models.NewOrder(userID, req, e.now())
	if err != nil {
		return nil, err
	}
	if o.Ticker == e.quote {
		return nil, fmt.Errorf("%w: cannot trade %s against itself", models.ErrInvalidOrder, e.quote)
	}
	if o.Price != nil {
		if _, err := notional(o.Qty, *o.Price); err != nil {
			return nil, err
		}
	}

	err = e.inTx(ctx, "place", func(tx store.Tx) error {
		ok, err := tx.InstrumentExists(ctx, o.Ticker)
		if err != nil {
			return fmt.Errorf("failed to check instrument: %w", err)
		}
		if !ok {
			return fmt.Errorf("instrument %s: %w", o.Ticker, models.ErrNotFound)
		}
		if ticker, amount := e.reserve(o); amount > 0 {
			if err := tx.Freeze(ctx, o.UserID, ticker, amount); err != nil {
				return err
			}
		}
		return tx.CreateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order placed",
		zap.String("order_id", o.ID.String()),
		zap.String("user_id", o.UserID.String()),
		zap.String("ticker", o.Ticker),
		zap.String("direction", string(o.Direction)),
		zap.Int64("qty", o.Qty),
		zap.Bool("market", o.IsMarket()))
	return o, nil
}
