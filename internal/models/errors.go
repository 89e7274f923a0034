package models

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInUse               = errors.New("in use")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientReserve = errors.New("insufficient frozen balance")
	ErrAlreadyTerminal     = errors.New("order already executed or cancelled")
	ErrNotCancellable      = errors.New("order cannot be cancelled")
)
