package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// Deposit credits amount of ticker to the user's available balance.
func (e *Exchange) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) (models.Balance, error) {
	return e.adjust(ctx, "deposit", userID, ticker, amount, func(tx store.Tx, ticker string) error {
		return tx.Deposit(ctx, userID, ticker, amount)
	})
}

// Withdraw debits amount of ticker from the user's available balance.
func (e *Exchange) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) (models.Balance, error) {
	return e.adjust(ctx, "withdraw", userID, ticker, amount, func(tx store.Tx, ticker string) error {
		return tx.Withdraw(ctx, userID, ticker, amount)
	})
}

func (e *Exchange) adjust(ctx context.Context, op string, userID uuid.UUID, ticker string, amount int64, apply func(tx store.Tx, ticker string) error) (models.Balance, error) {
	ticker = store.NormalizeTicker(ticker)
	if amount <= 0 {
		return models.Balance{}, fmt.Errorf("amount: %w", models.ErrInvalidAmount)
	}
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return models.Balance{}, err
	}

	var bal models.Balance
	err := e.inTx(ctx, op, func(tx store.Tx) error {
		if ticker != e.quote {
			ok, err := tx.InstrumentExists(ctx, ticker)
			if err != nil {
				return fmt.Errorf("failed to check instrument: %w", err)
			}
			if !ok {
				return fmt.Errorf("instrument %s: %w", ticker, models.ErrNotFound)
			}
		}
		if err := apply(tx, ticker); err != nil {
			return err
		}
		b, err := tx.GetBalance(ctx, userID, ticker)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	if err != nil {
		return models.Balance{}, err
	}

	e.log.Info("balance "+op,
		zap.String("user_id", userID.String()),
		zap.String("ticker", ticker),
		zap.Int64("amount", amount),
		zap.Int64("available", bal.Available))
	return bal, nil
}
