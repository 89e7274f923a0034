package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xtrntr/spot-exchange/internal/models"
)

// Eligible reports whether o can trade against taker: opposite direction,
// same ticker, resting, owned by someone else, and priced within the
// taker's limit. A market taker accepts any price.
func Eligible(taker, o *models.Order) bool {
	if o.ID == taker.ID || o.UserID == taker.UserID {
		return false
	}
	if o.Ticker != taker.Ticker || o.Direction != taker.Direction.Opposite() {
		return false
	}
	if !o.Resting() {
		return false
	}
	if taker.Price == nil {
		return true
	}
	if taker.Direction == models.Buy {
		return *o.Price <= *taker.Price
	}
	return *o.Price >= *taker.Price
}

// Less orders counter-orders for a taker of the given direction: best price
// first (lowest ask for a buyer, highest bid for a seller), then earliest
// creation, then id.
func Less(taker models.Direction, a, b *models.Order) bool {
	if *a.Price != *b.Price {
		if taker == models.Buy {
			return *a.Price < *b.Price
		}
		return *a.Price > *b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// SortByPriority sorts counter-orders in matching order for taker.
func SortByPriority(taker models.Direction, orders []*models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return Less(taker, orders[i], orders[j])
	})
}

// SortBalanceKeys sorts keys by user id then ticker and drops duplicates.
// This is the global lock acquisition order for balance rows.
func SortBalanceKeys(keys []BalanceKey) []BalanceKey {
	out := make([]BalanceKey, 0, len(keys))
	seen := make(map[BalanceKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.Ticker)
}

// NormalizeTicker upper-cases and trims a ticker.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
