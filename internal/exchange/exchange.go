// Package exchange is the matching and settlement engine. It owns no state:
// every flow runs as a transaction against the store it was built with.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultQuoteTicker          = "RUB"
	DefaultMaxRetries           = 5
	DefaultRetryInitialInterval = 10 * time.Millisecond
)

// ErrIntegrity wraps a ledger failure raised while settling a trade. Funds
// are reserved before an order can match, so it signals corrupted state; the
// cycle is rolled back.
var ErrIntegrity = errors.New("ledger integrity violation")

// Options configures an Exchange. Zero values take the defaults above.
type Options struct {
	QuoteTicker          string
	MaxRetries           uint64
	RetryInitialInterval time.Duration
	Logger               *zap.Logger
	// Now stamps new orders and trades.
	Now func() time.Time
}

// Exchange runs order flows against a store
type Exchange struct {
	store         store.Store
	quote         string
	maxRetries    uint64
	retryInterval time.Duration
	log           *zap.Logger
	now           func() time.Time
}

// New creates an exchange
func New(s store.Store, opts Options) *Exchange {
	e := &Exchange{
		store:         s,
		quote:         store.NormalizeTicker(opts.QuoteTicker),
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInitialInterval,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if e.quote == "" {
		e.quote = DefaultQuoteTicker
	}
	if e.maxRetries == 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.retryInterval <= 0 {
		e.retryInterval = DefaultRetryInitialInterval
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// QuoteTicker is the ledger currency prices are expressed in.
func (e *Exchange) QuoteTicker() string { return e.quote }

// inTx runs fn in a transaction, retrying the whole transaction on
// store.ErrConflict. Any other error ends the retries.
func (e *Exchange) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := e.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			e.log.Debug("transaction conflict, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// reserve is what an open limit order still holds frozen: the remaining
// notional in the quote ticker for a BUY, the remaining quantity for a SELL.
func (e *Exchange) reserve(o *models.Order) (string, int64) {
	if o.IsMarket() {
		return "", 0
	}
	if o.Direction == models.Buy {
		return e.quote, o.Remaining() * *o.Price
	}
	return o.Ticker, o.Remaining()
}
