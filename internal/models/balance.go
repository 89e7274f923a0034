package models

import "fmt"

// Ledger arithmetic on a single balance row. Callers hold the row lock.

func (b *Balance) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b.Available += amount
	return nil
}

func (b *Balance) Withdraw(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.Available < amount {
		return fmt.Errorf("%w: %s available %d, need %d", ErrInsufficientFunds, b.Ticker, b.Available, amount)
	}
	b.Available -= amount
	return nil
}

func (b *Balance) Freeze(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.Available < amount {
		return fmt.Errorf("%w: %s available %d, need %d", ErrInsufficientFunds, b.Ticker, b.Available, amount)
	}
	b.Available -= amount
	b.Frozen += amount
	return nil
}

func (b *Balance) Unfreeze(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.Frozen < amount {
		return fmt.Errorf("%w: %s frozen %d, need %d", ErrInsufficientReserve, b.Ticker, b.Frozen, amount)
	}
	b.Frozen -= amount
	b.Available += amount
	return nil
}

// SpendFrozen consumes reserved funds without crediting available.
func (b *Balance) SpendFrozen(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.Frozen < amount {
		return fmt.Errorf("%w: %s frozen %d, need %d", ErrInsufficientReserve, b.Ticker, b.Frozen, amount)
	}
	b.Frozen -= amount
	return nil
}

// Total is available plus frozen.
func (b Balance) Total() int64 { return b.Available + b.Frozen }
