package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// MatchResult is the outcome of one committed matching cycle.
type MatchResult struct {
	Order  *models.Order
	Trades []models.Trade
	// AlreadyTerminal is set when the order was EXECUTED or CANCELLED before
	// the cycle began and nothing changed.
	AlreadyTerminal bool
}

// MatchOrder matches a persisted order against the book. The whole cycle is
// one transaction: trades, balance moves and order updates commit together
// or not at all. Calling it again for a finished order is a no-op, so it is
// safe under redelivery.
func (e *Exchange) MatchOrder(ctx context.Context, orderID uuid.UUID) (*MatchResult, error) {
	var res *MatchResult
	err := e.inTx(ctx, "match", func(tx store.Tx) error {
		r, err := e.matchCycle(ctx, tx, orderID)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match order %s: %w", orderID, err)
	}

	if res.AlreadyTerminal {
		e.log.Debug("order already finished",
			zap.String("order_id", orderID.String()),
			zap.String("status", string(res.Order.Status)))
		return res, nil
	}
	e.log.Info("order matched",
		zap.String("order_id", orderID.String()),
		zap.String("status", string(res.Order.Status)),
		zap.Int64("filled", res.Order.Filled),
		zap.Int("trades", len(res.Trades)))
	return res, nil
}
