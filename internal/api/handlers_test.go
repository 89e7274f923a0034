package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spot-exchange/internal/auth"
	"github.com/xtrntr/spot-exchange/internal/dispatch"
	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store/memory"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	t        *testing.T
	store    *memory.Store
	ex       *exchange.Exchange
	auth     *auth.AuthService
	router   http.Handler
	adminKey string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith uses d for dispatch, or inline matching when d is nil.
func newTestServerWith(t *testing.T, d dispatch.Dispatcher) *testServer {
	t.Helper()
	s := memory.New()
	ex := exchange.New(s, exchange.Options{MaxRetries: 200, RetryInitialInterval: time.Millisecond})
	authService := auth.NewAuthService(s, "test-secret", time.Hour)
	authService.Cost = bcrypt.MinCost
	if d == nil {
		d = dispatch.Inline{Matcher: ex}
	}

	ts := &testServer{t: t, store: s, ex: ex, auth: authService}
	ts.router = NewRouter(NewHandler(s, ex, authService, d, nil), RouterOptions{})

	_, key, err := authService.CreateAdmin(context.Background(), "admin")
	require.NoError(t, err)
	ts.adminKey = key
	return ts
}

func (ts *testServer) do(method, path, key string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "TOKEN "+key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// trader registers a user and deposits the given balances through the API.
func (ts *testServer) trader(name string, deposits map[string]int64) (uuid.UUID, string) {
	ts.t.Helper()
	w := ts.do("POST", "/api/v1/public/register", "", map[string]string{"name": name})
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[registerResponse](ts.t, w)

	for ticker, amount := range deposits {
		w := ts.do("POST", "/api/v1/admin/balance/deposit", ts.adminKey,
			map[string]any{"user_id": resp.ID, "ticker": ticker, "amount": amount})
		require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
	}
	return resp.ID, resp.APIKey
}

func (ts *testServer) instrument(ticker string) {
	ts.t.Helper()
	w := ts.do("POST", "/api/v1/admin/instrument", ts.adminKey, map[string]string{"ticker": ticker, "name": ticker + " coin"})
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_Register(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{name: "Success", requestBody: map[string]string{"name": "alice"}, expectedStatus: http.StatusOK},
		{name: "Duplicate", requestBody: map[string]string{"name": "alice"}, expectedStatus: http.StatusConflict},
		{name: "EmptyName", requestBody: map[string]string{"name": ""}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "Reserved", requestBody: map[string]string{"name": "root"}, expectedStatus: http.StatusBadRequest},
		{name: "InvalidBody", requestBody: "nope", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("POST", "/api/v1/public/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus == http.StatusOK {
				resp := decodeBody[registerResponse](t, w)
				assert.Equal(t, "alice", resp.Name)
				assert.Equal(t, models.RoleUser, resp.Role)
				assert.NotEmpty(t, resp.APIKey)
				return
			}
			assert.NotEmpty(t, decodeBody[errorResponse](t, w).Detail)
		})
	}
}

func TestHandler_Auth(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.trader("alice", nil)

	w := ts.do("POST", "/api/v1/public/token", "", map[string]string{"api_key": key})
	require.Equal(t, http.StatusOK, w.Code)
	token := decodeBody[map[string]any](t, w)["token"].(string)

	tests := []struct {
		name           string
		header         string
		path           string
		expectedStatus int
	}{
		{name: "APIKey", header: "TOKEN " + key, path: "/api/v1/balance", expectedStatus: http.StatusOK},
		{name: "Bearer", header: "Bearer " + token, path: "/api/v1/balance", expectedStatus: http.StatusOK},
		{name: "Missing", path: "/api/v1/balance", expectedStatus: http.StatusUnauthorized},
		{name: "BadKey", header: "TOKEN nope", path: "/api/v1/balance", expectedStatus: http.StatusUnauthorized},
		{name: "BadScheme", header: "Basic abc", path: "/api/v1/balance", expectedStatus: http.StatusUnauthorized},
		{name: "NotAdmin", header: "TOKEN " + key, path: "/api/v1/admin/instrument", expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := "GET"
			var body bytes.Buffer
			if tt.path == "/api/v1/admin/instrument" {
				method = "POST"
				body.WriteString(`{"ticker":"MEMCOIN","name":"Meme"}`)
			}
			req := httptest.NewRequest(method, tt.path, &body)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}

	w = ts.do("POST", "/api/v1/public/token", "", map[string]string{"api_key": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_Instruments(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name           string
		requestBody    map[string]string
		expectedStatus int
	}{
		{name: "Success", requestBody: map[string]string{"ticker": "MEMCOIN", "name": "Meme"}, expectedStatus: http.StatusOK},
		{name: "Duplicate", requestBody: map[string]string{"ticker": "MEMCOIN", "name": "Meme"}, expectedStatus: http.StatusConflict},
		{name: "LowerCase", requestBody: map[string]string{"ticker": "memcoin", "name": "Meme"}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "QuoteTicker", requestBody: map[string]string{"ticker": "RUB", "name": "Ruble"}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "NoName", requestBody: map[string]string{"ticker": "DOGE"}, expectedStatus: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("POST", "/api/v1/admin/instrument", ts.adminKey, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}

	w := ts.do("GET", "/api/v1/public/instrument", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	instruments := decodeBody[[]models.Instrument](t, w)
	require.Len(t, instruments, 1)
	assert.Equal(t, "MEMCOIN", instruments[0].Ticker)

	// Held balance blocks deletion.
	userID, _ := ts.trader("alice", map[string]int64{"MEMCOIN": 5})
	w = ts.do("DELETE", "/api/v1/admin/instrument/MEMCOIN", ts.adminKey, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do("POST", "/api/v1/admin/balance/withdraw", ts.adminKey,
		map[string]any{"user_id": userID, "ticker": "MEMCOIN", "amount": 5})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do("DELETE", "/api/v1/admin/instrument/MEMCOIN", ts.adminKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do("DELETE", "/api/v1/admin/instrument/MEMCOIN", ts.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Balance(t *testing.T) {
	ts := newTestServer(t)
	ts.instrument("MEMCOIN")
	userID, key := ts.trader("alice", map[string]int64{"RUB": 1000, "MEMCOIN": 3})

	w := ts.do("GET", "/api/v1/balance", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]int64{"RUB": 1000, "MEMCOIN": 3}, decodeBody[map[string]int64](t, w))

	tests := []struct {
		name           string
		path           string
		body           map[string]any
		expectedStatus int
	}{
		{name: "Overdraw", path: "withdraw", body: map[string]any{"user_id": userID, "ticker": "RUB", "amount": 5000}, expectedStatus: http.StatusBadRequest},
		{name: "ZeroAmount", path: "deposit", body: map[string]any{"user_id": userID, "ticker": "RUB", "amount": 0}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "UnknownTicker", path: "deposit", body: map[string]any{"user_id": userID, "ticker": "DOGE", "amount": 1}, expectedStatus: http.StatusNotFound},
		{name: "UnknownUser", path: "deposit", body: map[string]any{"user_id": uuid.New(), "ticker": "RUB", "amount": 1}, expectedStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("POST", "/api/v1/admin/balance/"+tt.path, ts.adminKey, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestHandler_PlaceOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.instrument("MEMCOIN")
	_, key := ts.trader("alice", map[string]int64{"RUB": 1000})

	tests := []struct {
		name           string
		requestBody    map[string]any
		expectedStatus int
	}{
		{name: "Limit", requestBody: map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 2, "price": 100}, expectedStatus: http.StatusOK},
		{name: "Market", requestBody: map[string]any{"direction": "buy", "ticker": "memcoin", "qty": 1}, expectedStatus: http.StatusOK},
		{name: "BadDirection", requestBody: map[string]any{"direction": "HOLD", "ticker": "MEMCOIN", "qty": 1}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "ZeroQty", requestBody: map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 0, "price": 10}, expectedStatus: http.StatusUnprocessableEntity},
		{name: "UnknownTicker", requestBody: map[string]any{"direction": "BUY", "ticker": "DOGE", "qty": 1, "price": 10}, expectedStatus: http.StatusNotFound},
		{name: "InsufficientFunds", requestBody: map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 100, "price": 100}, expectedStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("POST", "/api/v1/order", key, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus == http.StatusOK {
				resp := decodeBody[map[string]any](t, w)
				assert.Equal(t, true, resp["success"])
				assert.NotEmpty(t, resp["order_id"])
			}
		})
	}

	// Only the limit order rests; the market order found no liquidity.
	w := ts.do("GET", "/api/v1/order", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	orders := decodeBody[[]orderResponse](t, w)
	require.Len(t, orders, 1)
	assert.Equal(t, models.StatusNew, orders[0].Status)
	require.NotNil(t, orders[0].Body.Price)
	assert.EqualValues(t, 100, *orders[0].Body.Price)

	w = ts.do("GET", "/api/v1/balance", key, nil)
	assert.Equal(t, map[string]int64{"RUB": 800}, decodeBody[map[string]int64](t, w))
}

func TestHandler_Trading(t *testing.T) {
	ts := newTestServer(t)
	ts.instrument("MEMCOIN")
	_, sellerKey := ts.trader("seller", map[string]int64{"MEMCOIN": 10})
	_, buyerKey := ts.trader("buyer", map[string]int64{"RUB": 1000})

	w := ts.do("POST", "/api/v1/order", sellerKey, map[string]any{"direction": "SELL", "ticker": "MEMCOIN", "qty": 10, "price": 50})
	require.Equal(t, http.StatusOK, w.Code)
	askID := decodeBody[map[string]any](t, w)["order_id"].(string)

	w = ts.do("GET", "/api/v1/public/orderbook/MEMCOIN", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	book := decodeBody[models.OrderBook](t, w)
	assert.Empty(t, book.Bids)
	assert.Equal(t, []models.Level{{Price: 50, Qty: 10}}, book.Asks)

	w = ts.do("POST", "/api/v1/order", buyerKey, map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 4, "price": 60})
	require.Equal(t, http.StatusOK, w.Code)
	bidID := decodeBody[map[string]any](t, w)["order_id"].(string)

	w = ts.do("GET", "/api/v1/order/"+bidID, buyerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bid := decodeBody[orderResponse](t, w)
	assert.Equal(t, models.StatusExecuted, bid.Status)
	assert.EqualValues(t, 4, bid.Filled)
	assert.EqualValues(t, 0, bid.Body.Qty)

	// The seller cannot see the buyer's order.
	w = ts.do("GET", "/api/v1/order/"+bidID, sellerKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do("GET", "/api/v1/public/transactions/MEMCOIN?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := decodeBody[[]models.Trade](t, w)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 4, trades[0].Qty)
	assert.EqualValues(t, 50, trades[0].Price)

	w = ts.do("GET", "/api/v1/public/transactions/MEMCOIN?limit=500", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do("GET", "/api/v1/balance", buyerKey, nil)
	assert.Equal(t, map[string]int64{"RUB": 800, "MEMCOIN": 4}, decodeBody[map[string]int64](t, w))

	w = ts.do("GET", "/api/v1/order/"+askID, sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ask := decodeBody[orderResponse](t, w)
	assert.Equal(t, models.StatusPartiallyExecuted, ask.Status)
	assert.EqualValues(t, 4, ask.Filled)
	assert.EqualValues(t, 6, ask.Body.Qty)

	// Cancel the rest of the ask.
	w = ts.do("DELETE", "/api/v1/order/"+askID, sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do("GET", "/api/v1/balance", sellerKey, nil)
	assert.Equal(t, map[string]int64{"RUB": 200, "MEMCOIN": 6}, decodeBody[map[string]int64](t, w))

	tests := []struct {
		name           string
		key            string
		path           string
		expectedStatus int
	}{
		{name: "AlreadyCancelled", key: sellerKey, path: askID, expectedStatus: http.StatusBadRequest},
		{name: "OtherUsersOrder", key: buyerKey, path: askID, expectedStatus: http.StatusNotFound},
		{name: "Unknown", key: sellerKey, path: uuid.NewString(), expectedStatus: http.StatusNotFound},
		{name: "InvalidID", key: sellerKey, path: "42", expectedStatus: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("DELETE", "/api/v1/order/"+tt.path, tt.key, nil)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestHandler_DeleteUser(t *testing.T) {
	ts := newTestServer(t)
	userID, key := ts.trader("alice", map[string]int64{"RUB": 10})

	w := ts.do("DELETE", "/api/v1/admin/user/"+userID.String(), ts.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, decodeBody[models.User](t, w).ID)

	w = ts.do("GET", "/api/v1/balance", key, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do("DELETE", "/api/v1/admin/user/"+userID.String(), ts.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	return errors.New("queue unavailable")
}

func TestHandler_DispatchFailureKeepsOrder(t *testing.T) {
	ts := newTestServerWith(t, failingDispatcher{})
	ts.instrument("MEMCOIN")
	_, key := ts.trader("alice", map[string]int64{"RUB": 100})

	w := ts.do("POST", "/api/v1/order", key, map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 1, "price": 10})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("GET", "/api/v1/order", key, nil)
	assert.Len(t, decodeBody[[]orderResponse](t, w), 1)
}

func TestHandler_Health(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, w)["status"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{models.ErrInsufficientFunds, http.StatusBadRequest},
		{models.ErrInUse, http.StatusConflict},
		{errors.Join(errors.New("tx"), exchange.ErrIntegrity), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHandler_OrderRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.instrument("MEMCOIN")
	_, key := ts.trader("alice", map[string]int64{"RUB": 100})
	_, otherKey := ts.trader("bob", map[string]int64{"RUB": 100})

	h := NewHandler(ts.store, ts.ex, ts.auth, dispatch.Inline{Matcher: ts.ex}, nil)
	ts.router = NewRouter(h, RouterOptions{OrderRate: 0.001, OrderBurst: 1})

	order := map[string]any{"direction": "BUY", "ticker": "MEMCOIN", "qty": 1, "price": 10}
	assert.Equal(t, http.StatusOK, ts.do("POST", "/api/v1/order", key, order).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do("POST", "/api/v1/order", key, order).Code)
	// Budgets are per user.
	assert.Equal(t, http.StatusOK, ts.do("POST", "/api/v1/order", otherKey, order).Code)
	// Reads are not limited.
	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/v1/order", key, nil).Code)
}
