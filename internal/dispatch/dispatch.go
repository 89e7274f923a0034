// Package dispatch hands persisted orders to the matching engine, either
// inline or through an at-least-once queue drained by a worker pool.
// Redelivery is expected: matching a finished order is a no-op.
package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/exchange"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrMalformed = errors.New("malformed queue message")
)

// Matcher runs a matching cycle for one order
type Matcher interface {
	MatchOrder(ctx context.Context, orderID uuid.UUID) (*exchange.MatchResult, error)
}

// Dispatcher schedules a matching cycle for an order
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID uuid.UUID) error
}

// Message is one matching request on a queue. Attempt starts at 1.
type Message struct {
	OrderID uuid.UUID `json:"order_id"`
	Attempt int       `json:"attempt"`
}

// Queue is an at-least-once message queue
type Queue interface {
	Publish(ctx context.Context, m Message) error
	// Receive blocks until a message arrives, ctx is done or the queue closes.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is a received message awaiting acknowledgement. Nack puts it
// back with its attempt counter raised.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Inline matches synchronously in the caller's goroutine
type Inline struct {
	Matcher Matcher
}

func (d Inline) Dispatch(ctx context.Context, orderID uuid.UUID) error {
	_, err := d.Matcher.MatchOrder(ctx, orderID)
	return err
}

// QueueDispatcher publishes orders for a Worker to pick up
type QueueDispatcher struct {
	Queue Queue
}

func (d QueueDispatcher) Dispatch(ctx context.Context, orderID uuid.UUID) error {
	return d.Queue.Publish(ctx, Message{OrderID: orderID, Attempt: 1})
}
