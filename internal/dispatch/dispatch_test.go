package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store/memory"
)

// fakeMatcher fails an order's first failures[id] calls with errs[id].
type fakeMatcher struct {
	mu       sync.Mutex
	calls    map[uuid.UUID]int
	failures map[uuid.UUID]int
	errs     map[uuid.UUID]error
}

func newFakeMatcher() *fakeMatcher {
	return &fakeMatcher{
		calls:    make(map[uuid.UUID]int),
		failures: make(map[uuid.UUID]int),
		errs:     make(map[uuid.UUID]error),
	}
}

func (m *fakeMatcher) failWith(id uuid.UUID, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = n
	m.errs[id] = err
}

func (m *fakeMatcher) MatchOrder(ctx context.Context, id uuid.UUID) (*exchange.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id]++
	if m.calls[id] <= m.failures[id] {
		return nil, m.errs[id]
	}
	return &exchange.MatchResult{Order: &models.Order{ID: id}}, nil
}

func (m *fakeMatcher) count(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// runWorker starts w and returns a func that stops it and waits.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestInline_Dispatch(t *testing.T) {
	m := newFakeMatcher()
	id := uuid.New()

	require.NoError(t, Inline{Matcher: m}.Dispatch(context.Background(), id))
	assert.Equal(t, 1, m.count(id))

	other := uuid.New()
	m.failWith(other, 1, models.ErrNotFound)
	assert.ErrorIs(t, Inline{Matcher: m}.Dispatch(context.Background(), other), models.ErrNotFound)
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)
	id := uuid.New()

	require.NoError(t, QueueDispatcher{Queue: q}.Dispatch(ctx, id))
	assert.Equal(t, 1, q.Len())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Message{OrderID: id, Attempt: 1}, d.Message())

	require.NoError(t, d.Nack(ctx))
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Message().Attempt)
	require.NoError(t, d.Ack(ctx))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Receive(timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Publish(ctx, Message{OrderID: id, Attempt: 1}), ErrClosed)
}

func TestWorker_Handle(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
	}{
		{name: "Success", wantCalls: 1},
		{name: "RetriedUntilSuccess", failures: 2, err: errors.New("boom"), wantCalls: 3},
		{name: "DroppedAfterMaxAttempts", failures: 10, err: errors.New("boom"), wantCalls: 3},
		{name: "NotFoundIsNotRetried", failures: 10, err: models.ErrNotFound, wantCalls: 1},
		{name: "IntegrityIsNotRetried", failures: 10, err: fmt.Errorf("%w: order: %w", exchange.ErrIntegrity, models.ErrInsufficientReserve), wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewMemoryQueue(8)
			m := newFakeMatcher()
			id := uuid.New()
			if tt.failures > 0 {
				m.failWith(id, tt.failures, tt.err)
			}
			stop := runWorker(t, NewWorker(q, m, 1, 3, nil))
			defer stop()

			require.NoError(t, QueueDispatcher{Queue: q}.Dispatch(context.Background(), id))
			require.Eventually(t, func() bool {
				return m.count(id) == tt.wantCalls && q.Len() == 0
			}, 2*time.Second, 5*time.Millisecond)

			// Nothing further is redelivered.
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.wantCalls, m.count(id))
		})
	}
}

func TestWorker_StopsOnClose(t *testing.T) {
	q := NewMemoryQueue(1)
	w := NewWorker(q, newFakeMatcher(), 4, 0, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after close")
	}
}

func TestWorker_MatchesThroughExchange(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	ex := exchange.New(s, exchange.Options{MaxRetries: 200, RetryInitialInterval: time.Millisecond})
	require.NoError(t, s.CreateInstrument(ctx, &models.Instrument{Ticker: "MEMCOIN", Name: "Meme coin"}))

	seller := &models.User{Name: "seller"}
	buyer := &models.User{Name: "buyer"}
	require.NoError(t, s.CreateUser(ctx, seller))
	require.NoError(t, s.CreateUser(ctx, buyer))
	_, err := ex.Deposit(ctx, seller.ID, "MEMCOIN", 10)
	require.NoError(t, err)
	_, err = ex.Deposit(ctx, buyer.ID, "RUB", 1000)
	require.NoError(t, err)

	q := NewMemoryQueue(16)
	stop := runWorker(t, NewWorker(q, ex, 4, 3, nil))
	defer stop()
	d := QueueDispatcher{Queue: q}

	ask, err := ex.PlaceOrder(ctx, seller.ID, models.LimitOrderRequest{Direction: models.Sell, Ticker: "MEMCOIN", Qty: 10, Price: 50})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, ask.ID))
	// Redelivery of the same order must be harmless.
	require.NoError(t, d.Dispatch(ctx, ask.ID))

	bid, err := ex.PlaceOrder(ctx, buyer.ID, models.LimitOrderRequest{Direction: models.Buy, Ticker: "MEMCOIN", Qty: 10, Price: 50})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, bid.ID))

	require.Eventually(t, func() bool {
		o, err := s.GetOrder(ctx, bid.ID)
		return err == nil && o.Status == models.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)

	o, err := s.GetOrder(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, o.Status)
	assert.Len(t, s.Trades(), 1)
}
