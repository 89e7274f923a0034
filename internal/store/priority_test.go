package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/xtrntr/spot-exchange/internal/models"
)

func price(p int64) *int64 { return &p }

func restingOrder(user uuid.UUID, dir models.Direction, p int64, created time.Time) *models.Order {
	return &models.Order{
		ID:        uuid.New(),
		UserID:    user,
		Ticker:    "MEMCOIN",
		Direction: dir,
		Qty:       1,
		Price:     price(p),
		Status:    models.StatusNew,
		CreatedAt: created,
	}
}

func TestEligible(t *testing.T) {
	taker := &models.Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Ticker:    "MEMCOIN",
		Direction: models.Buy,
		Qty:       5,
		Price:     price(100),
		Status:    models.StatusNew,
	}
	other := uuid.New()
	now := time.Now()

	tests := []struct {
		name  string
		taker *models.Order
		order *models.Order
		want  bool
	}{
		{name: "CheaperAsk", taker: taker, order: restingOrder(other, models.Sell, 99, now), want: true},
		{name: "EqualAsk", taker: taker, order: restingOrder(other, models.Sell, 100, now), want: true},
		{name: "ExpensiveAsk", taker: taker, order: restingOrder(other, models.Sell, 101, now), want: false},
		{name: "SameDirection", taker: taker, order: restingOrder(other, models.Buy, 99, now), want: false},
		{name: "OwnOrder", taker: taker, order: restingOrder(taker.UserID, models.Sell, 99, now), want: false},
		{
			name:  "OtherTicker",
			taker: taker,
			order: func() *models.Order { o := restingOrder(other, models.Sell, 99, now); o.Ticker = "OTHER"; return o }(),
			want:  false,
		},
		{
			name:  "Executed",
			taker: taker,
			order: func() *models.Order {
				o := restingOrder(other, models.Sell, 99, now)
				o.Filled, o.Status = 1, models.StatusExecuted
				return o
			}(),
			want: false,
		},
		{
			name:  "MarketCounter",
			taker: taker,
			order: func() *models.Order { o := restingOrder(other, models.Sell, 99, now); o.Price = nil; return o }(),
			want:  false,
		},
		{
			name:  "MarketTakerAnyPrice",
			taker: &models.Order{ID: uuid.New(), UserID: taker.UserID, Ticker: "MEMCOIN", Direction: models.Buy, Qty: 1, Status: models.StatusNew},
			order: restingOrder(other, models.Sell, 1_000_000, now),
			want:  true,
		},
		{
			name:  "SellTakerHigherBid",
			taker: &models.Order{ID: uuid.New(), UserID: taker.UserID, Ticker: "MEMCOIN", Direction: models.Sell, Qty: 1, Price: price(50), Status: models.StatusNew},
			order: restingOrder(other, models.Buy, 51, now),
			want:  true,
		},
		{
			name:  "SellTakerLowerBid",
			taker: &models.Order{ID: uuid.New(), UserID: taker.UserID, Ticker: "MEMCOIN", Direction: models.Sell, Qty: 1, Price: price(50), Status: models.StatusNew},
			order: restingOrder(other, models.Buy, 49, now),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.taker, tt.order))
		})
	}
}

func TestSortByPriority(t *testing.T) {
	seller := uuid.New()
	t0 := time.Now()
	a := restingOrder(seller, models.Sell, 101, t0)
	b := restingOrder(seller, models.Sell, 100, t0.Add(time.Second))
	c := restingOrder(seller, models.Sell, 100, t0.Add(2*time.Second))

	asks := []*models.Order{a, c, b}
	SortByPriority(models.Buy, asks)
	assert.Equal(t, []*models.Order{b, c, a}, asks)

	buyer := uuid.New()
	x := restingOrder(buyer, models.Buy, 99, t0)
	y := restingOrder(buyer, models.Buy, 100, t0.Add(time.Second))
	z := restingOrder(buyer, models.Buy, 100, t0.Add(2*time.Second))

	bids := []*models.Order{x, z, y}
	SortByPriority(models.Sell, bids)
	assert.Equal(t, []*models.Order{y, z, x}, bids)
}

func TestSortByPriority_IDTieBreak(t *testing.T) {
	t0 := time.Now()
	a := restingOrder(uuid.New(), models.Sell, 100, t0)
	b := restingOrder(uuid.New(), models.Sell, 100, t0)
	a.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	asks := []*models.Order{b, a}
	SortByPriority(models.Buy, asks)
	assert.Equal(t, a.ID, asks[0].ID)
}

func TestSortBalanceKeys(t *testing.T) {
	u1 := uuid.MustParse("10000000-0000-0000-0000-000000000000")
	u2 := uuid.MustParse("20000000-0000-0000-0000-000000000000")

	keys := SortBalanceKeys([]BalanceKey{
		{UserID: u2, Ticker: "RUB"},
		{UserID: u1, Ticker: "RUB"},
		{UserID: u2, Ticker: "MEMCOIN"},
		{UserID: u1, Ticker: "RUB"},
	})

	assert.Equal(t, []BalanceKey{
		{UserID: u1, Ticker: "RUB"},
		{UserID: u2, Ticker: "MEMCOIN"},
		{UserID: u2, Ticker: "RUB"},
	}, keys)
}
