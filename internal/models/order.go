package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the direction of counter-orders
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// ParseDirection accepts "buy"/"sell" in any case
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidOrder)
}

type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// StatusFor derives the status of an order from its fill state.
func StatusFor(filled, qty int64) OrderStatus {
	switch {
	case filled <= 0:
		return StatusNew
	case filled < qty:
		return StatusPartiallyExecuted
	default:
		return StatusExecuted
	}
}

// Order represents a buy or sell order. A nil Price marks a market order.
type Order struct {
	ID        uuid.UUID   `json:"id"`
	UserID    uuid.UUID   `json:"user_id"`
	Ticker    string      `json:"ticker"`
	Direction Direction   `json:"direction"`
	Qty       int64       `json:"qty"`
	Price     *int64      `json:"price,omitempty"`
	Filled    int64       `json:"filled"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"timestamp"`
}

func (o *Order) IsMarket() bool { return o.Price == nil }

func (o *Order) Remaining() int64 { return o.Qty - o.Filled }

// IsTerminal reports whether the order can no longer trade or be cancelled.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusExecuted || o.Status == StatusCancelled
}

// Resting reports whether the order may be picked as a counter-order.
func (o *Order) Resting() bool {
	return o.Price != nil && o.Remaining() > 0 &&
		(o.Status == StatusNew || o.Status == StatusPartiallyExecuted)
}

// Matchable reports whether a matching cycle should run for the order.
// A market order gets exactly one cycle: afterwards it is either terminal
// or partially executed with no way to rest.
func (o *Order) Matchable() bool {
	if o.IsTerminal() || o.Remaining() <= 0 {
		return false
	}
	if o.IsMarket() && o.Status != StatusNew {
		return false
	}
	return true
}

// OrderRequest is the boundary form of a new order: either a
// LimitOrderRequest or a MarketOrderRequest.
type OrderRequest interface {
	orderRequest()
}

type LimitOrderRequest struct {
	Direction Direction
	Ticker    string
	Qty       int64
	Price     int64
}

type MarketOrderRequest struct {
	Direction Direction
	Ticker    string
	Qty       int64
}

func (LimitOrderRequest) orderRequest()  {}
func (MarketOrderRequest) orderRequest() {}

// NewOrder validates a request and converts it into a NEW order.
func NewOrder(userID uuid.UUID, req OrderRequest, now time.Time) (*Order, error) {
	o := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    StatusNew,
		CreatedAt: now.UTC(),
	}
	switch r := req.(type) {
	case LimitOrderRequest:
		if r.Price <= 0 {
			return nil, fmt.Errorf("price: %w", ErrInvalidAmount)
		}
		price := r.Price
		o.Direction, o.Ticker, o.Qty, o.Price = r.Direction, r.Ticker, r.Qty, &price
	case MarketOrderRequest:
		o.Direction, o.Ticker, o.Qty = r.Direction, r.Ticker, r.Qty
	default:
		return nil, fmt.Errorf("%w: unsupported order type %T", ErrInvalidOrder, req)
	}
	if o.Direction != Buy && o.Direction != Sell {
		return nil, fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidOrder)
	}
	o.Ticker = strings.ToUpper(strings.TrimSpace(o.Ticker))
	if o.Ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return nil, fmt.Errorf("qty: %w", ErrInvalidAmount)
	}
	return o, nil
}
