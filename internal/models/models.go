package models

import (
	"time"

	"github.com/google/uuid"
)

// Role of a registered user
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User represents a registered user
type User struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Instrument is a tradable ticker
type Instrument struct {
	Ticker    string    `json:"ticker"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"-"`
}

// Balance holds the available and frozen amount of one ticker for one user
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Ticker    string    `json:"ticker"`
	Available int64     `json:"available"`
	Frozen    int64     `json:"frozen"`
}

// Trade represents an executed match between a buy and a sell order
type Trade struct {
	ID          uuid.UUID `json:"id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	Ticker      string    `json:"ticker"`
	Qty         int64     `json:"amount"`
	Price       int64     `json:"price"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Level is one aggregated price level of the order book
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderBook is an L2 snapshot of resting limit orders
type OrderBook struct {
	Bids []Level `json:"bid_levels"`
	Asks []Level `json:"ask_levels"`
}
