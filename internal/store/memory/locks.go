package memory

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/store"
)

// Order rows sort before balance rows so a matching cycle, which locks the
// taker and its counter-orders first, acquires balances in ascending order.
func orderLockKey(id uuid.UUID) string { return "1/order/" + id.String() }

func balanceLockKey(k store.BalanceKey) string { return "2/balance/" + k.String() }

// lockTable hands out one mutex per row key.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	return m
}

// lockSet is the set of row locks held by one transaction.
//
// A transaction may block only on a key greater than every key it holds;
// any other acquisition is a try-lock that fails with store.ErrConflict.
// Waits therefore always point up the key order and cannot form a cycle.
type lockSet struct {
	table *lockTable
	held  map[string]*sync.Mutex
	top   string
}

func newLockSet(table *lockTable) *lockSet {
	return &lockSet{table: table, held: make(map[string]*sync.Mutex)}
}

func (s *lockSet) acquire(key string) error {
	if _, ok := s.held[key]; ok {
		return nil
	}
	m := s.table.get(key)
	if len(s.held) == 0 || key > s.top {
		m.Lock()
	} else if !m.TryLock() {
		return fmt.Errorf("%w: row %s is locked", store.ErrConflict, key)
	}
	s.held[key] = m
	if key > s.top {
		s.top = key
	}
	return nil
}

func (s *lockSet) holds(key string) bool {
	_, ok := s.held[key]
	return ok
}

func (s *lockSet) releaseAll() {
	for k, m := range s.held {
		m.Unlock()
		delete(s.held, k)
	}
	s.top = ""
}
