package dispatch

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process queue backed by a buffered channel. Messages
// do not survive a restart.
type MemoryQueue struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryQueue{ch: make(chan Message, buffer), done: make(chan struct{})}
}

func (q *MemoryQueue) Publish(ctx context.Context, m Message) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case m := <-q.ch:
		return &memoryDelivery{q: q, msg: m}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// Len is the number of buffered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }

type memoryDelivery struct {
	q   *MemoryQueue
	msg Message
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack(ctx context.Context) error { return nil }

// Nack requeues without blocking the consumer: when the buffer is full the
// message is handed to a goroutine that waits for room.
func (d *memoryDelivery) Nack(ctx context.Context) error {
	m := d.msg
	m.Attempt++
	select {
	case d.q.ch <- m:
		return nil
	default:
	}
	go d.q.Publish(context.Background(), m)
	return nil
}
