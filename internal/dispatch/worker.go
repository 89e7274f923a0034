package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/models"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds redelivery of an order that keeps failing.
const DefaultMaxAttempts = 5

// Worker drains a Queue with a fixed number of goroutines
type Worker struct {
	queue       Queue
	matcher     Matcher
	workers     int
	maxAttempts int
	log         *zap.Logger
}

func NewWorker(queue Queue, matcher Matcher, workers, maxAttempts int, log *zap.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: queue, matcher: matcher, workers: workers, maxAttempts: maxAttempts, log: log}
}

// Run blocks until ctx is done or the queue is closed, and returns once
// every goroutine has finished its current message.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, w.log.With(zap.Int("worker", id)))
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, log *zap.Logger) {
	for {
		d, err := w.queue.Receive(ctx)
		switch {
		case err == nil:
			w.handle(ctx, log, d)
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return
		case errors.Is(err, ErrMalformed):
			log.Error("dropping malformed message", zap.Error(err))
		default:
			log.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, log *zap.Logger, d Delivery) {
	m := d.Message()
	log = log.With(zap.String("order_id", m.OrderID.String()), zap.Int("attempt", m.Attempt))

	_, err := w.matcher.MatchOrder(ctx, m.OrderID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		log.Warn("order gone, dropping message", zap.Error(err))
	case errors.Is(err, exchange.ErrIntegrity):
		log.Error("ledger integrity violation, dropping message", zap.Error(err))
	case m.Attempt >= w.maxAttempts:
		log.Error("giving up on order", zap.Error(err))
	default:
		log.Warn("match failed, requeueing", zap.Error(err))
		if err := d.Nack(ctx); err != nil {
			log.Error("failed to requeue", zap.Error(err))
		}
		return
	}
	if err := d.Ack(ctx); err != nil {
		log.Error("failed to ack", zap.Error(err))
	}
}
