// Package memory is an in-process implementation of store.Store. Rows are
// guarded by per-key mutexes held for the life of a transaction; writes are
// buffered in the transaction and applied on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
)

// Store keeps all exchange state in memory
type Store struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]models.User
	instruments map[string]models.Instrument
	balances    map[store.BalanceKey]models.Balance
	orders      map[uuid.UUID]models.Order
	trades      []models.Trade

	// Deleted users and tickers. Transactions that were in flight when the
	// delete ran drop their rows for these on commit.
	goneUsers   map[uuid.UUID]struct{}
	goneTickers map[string]struct{}

	locks lockTable
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		users:       make(map[uuid.UUID]models.User),
		instruments: make(map[string]models.Instrument),
		balances:    make(map[store.BalanceKey]models.Balance),
		orders:      make(map[uuid.UUID]models.Order),
		goneUsers:   make(map[uuid.UUID]struct{}),
		goneTickers: make(map[string]struct{}),
	}
}

func (s *Store) Close() {}

// WithTx runs fn in a transaction. Buffered writes are applied only when fn
// returns nil and ctx is still live.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.locks.releaseAll()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range t.balances {
		if s.gone(k.UserID, k.Ticker) {
			continue
		}
		s.balances[k] = b
	}
	dropped := make(map[uuid.UUID]struct{})
	for id, o := range t.orders {
		if s.gone(o.UserID, o.Ticker) {
			dropped[id] = struct{}{}
			delete(s.orders, id)
			continue
		}
		s.orders[id] = o
	}
	for _, tr := range t.trades {
		_, buy := dropped[tr.BuyOrderID]
		_, sell := dropped[tr.SellOrderID]
		if _, ok := s.goneTickers[tr.Ticker]; ok || buy || sell {
			continue
		}
		s.trades = append(s.trades, tr)
	}
}

func (s *Store) gone(userID uuid.UUID, ticker string) bool {
	if _, ok := s.goneUsers[userID]; ok {
		return true
	}
	_, ok := s.goneTickers[ticker]
	return ok
}

// lockRows takes the row lock of every matching order and balance in key
// order, waiting out any transaction that holds one of them.
func (s *Store) lockRows(order func(models.Order) bool, balance func(store.BalanceKey) bool) (*lockSet, error) {
	s.mu.RLock()
	var keys []string
	for id, o := range s.orders {
		if order(o) {
			keys = append(keys, orderLockKey(id))
		}
	}
	for k := range s.balances {
		if balance(k) {
			keys = append(keys, balanceLockKey(k))
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	locks := newLockSet(&s.locks)
	for _, k := range keys {
		if err := locks.acquire(k); err != nil {
			locks.releaseAll()
			return nil, err
		}
	}
	return locks, nil
}

// CreateUser inserts a new user; names are unique
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Name == u.Name {
			return fmt.Errorf("user %q: %w", u.Name, models.ErrAlreadyExists)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return &u, nil
}

// DeleteUser removes a user with their orders, the trades of those orders
// and their balances.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if _, err := s.GetUser(ctx, id); err != nil {
		return nil, err
	}
	locks, err := s.lockRows(
		func(o models.Order) bool { return o.UserID == id },
		func(k store.BalanceKey) bool { return k.UserID == id },
	)
	if err != nil {
		return nil, err
	}
	defer locks.releaseAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}

	owned := make(map[uuid.UUID]struct{})
	for oid, o := range s.orders {
		if o.UserID == id {
			owned[oid] = struct{}{}
			delete(s.orders, oid)
		}
	}
	kept := s.trades[:0]
	for _, tr := range s.trades {
		_, buy := owned[tr.BuyOrderID]
		_, sell := owned[tr.SellOrderID]
		if !buy && !sell {
			kept = append(kept, tr)
		}
	}
	s.trades = kept
	for k := range s.balances {
		if k.UserID == id {
			delete(s.balances, k)
		}
	}
	delete(s.users, id)
	s.goneUsers[id] = struct{}{}
	return &u, nil
}

func (s *Store) CreateInstrument(ctx context.Context, in *models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[in.Ticker]; ok {
		return fmt.Errorf("instrument %s: %w", in.Ticker, models.ErrAlreadyExists)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	s.instruments[in.Ticker] = *in
	delete(s.goneTickers, in.Ticker)
	return nil
}

func (s *Store) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Store) DeleteInstrument(ctx context.Context, ticker string) error {
	s.mu.RLock()
	_, ok := s.instruments[ticker]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instrument %s: %w", ticker, models.ErrNotFound)
	}
	locks, err := s.lockRows(
		func(o models.Order) bool { return o.Ticker == ticker },
		func(k store.BalanceKey) bool { return k.Ticker == ticker },
	)
	if err != nil {
		return err
	}
	defer locks.releaseAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[ticker]; !ok {
		return fmt.Errorf("instrument %s: %w", ticker, models.ErrNotFound)
	}
	for _, o := range s.orders {
		if o.Ticker == ticker && o.Resting() {
			return fmt.Errorf("instrument %s has active orders: %w", ticker, models.ErrInUse)
		}
	}
	for k, b := range s.balances {
		if k.Ticker == ticker && b.Total() > 0 {
			return fmt.Errorf("instrument %s has balances: %w", ticker, models.ErrInUse)
		}
	}

	kept := s.trades[:0]
	for _, tr := range s.trades {
		if tr.Ticker != ticker {
			kept = append(kept, tr)
		}
	}
	s.trades = kept
	for id, o := range s.orders {
		if o.Ticker == ticker {
			delete(s.orders, id)
		}
	}
	for k := range s.balances {
		if k.Ticker == ticker {
			delete(s.balances, k)
		}
	}
	delete(s.instruments, ticker)
	s.goneTickers[ticker] = struct{}{}
	return nil
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]models.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Balance
	for k, b := range s.balances {
		if k.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Store) ListActiveOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID && (o.Status == models.StatusNew || o.Status == models.StatusPartiallyExecuted) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

// OrderBook aggregates resting limit orders per price level
func (s *Store) OrderBook(ctx context.Context, ticker string, limit int) (*models.OrderBook, error) {
	s.mu.RLock()
	bids := make(map[int64]int64)
	asks := make(map[int64]int64)
	for _, o := range s.orders {
		if o.Ticker != ticker || !o.Resting() {
			continue
		}
		if o.Direction == models.Buy {
			bids[*o.Price] += o.Remaining()
		} else {
			asks[*o.Price] += o.Remaining()
		}
	}
	s.mu.RUnlock()

	return &models.OrderBook{
		Bids: levels(bids, limit, func(a, b int64) bool { return a > b }),
		Asks: levels(asks, limit, func(a, b int64) bool { return a < b }),
	}, nil
}

func levels(byPrice map[int64]int64, limit int, better func(a, b int64) bool) []models.Level {
	out := make([]models.Level, 0, len(byPrice))
	for p, q := range byPrice {
		out = append(out, models.Level{Price: p, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecentTrades returns the newest trades for a ticker first
func (s *Store) RecentTrades(ctx context.Context, ticker string, limit int) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Ticker != ticker {
			continue
		}
		out = append(out, s.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Trades returns every recorded trade in execution order.
func (s *Store) Trades() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Trade(nil), s.trades...)
}

// Balances returns a copy of every balance row.
func (s *Store) Balances() []models.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	return out
}
