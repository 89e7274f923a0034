package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/logging"
	"github.com/xtrntr/spot-exchange/internal/models"
	"go.uber.org/zap"
)

type orderBody struct {
	Direction models.Direction `json:"direction"`
	Ticker    string           `json:"ticker"`
	Qty       int64            `json:"qty"`
	Price     *int64           `json:"price,omitempty"`
}

// orderResponse reports the unfilled quantity as body.qty; filled carries
// the executed part.
type orderResponse struct {
	ID        uuid.UUID          `json:"id"`
	Status    models.OrderStatus `json:"status"`
	UserID    uuid.UUID          `json:"user_id"`
	Timestamp time.Time          `json:"timestamp"`
	Filled    int64              `json:"filled"`
	Body      orderBody          `json:"body"`
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		Status:    o.Status,
		UserID:    o.UserID,
		Timestamp: o.CreatedAt,
		Filled:    o.Filled,
		Body:      orderBody{Direction: o.Direction, Ticker: o.Ticker, Qty: o.Remaining(), Price: o.Price},
	}
}

// GetBalance returns the caller's available balance per ticker
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	balances, err := h.Store.ListBalances(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make(map[string]int64, len(balances))
	for _, b := range balances {
		resp[b.Ticker] = b.Available
	}
	writeJSON(w, http.StatusOK, resp)
}

// PlaceOrder persists an order and schedules its matching cycle. A body
// with a price is a limit order, one without is a market order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req struct {
		Direction string `json:"direction"`
		Ticker    string `json:"ticker"`
		Qty       int64  `json:"qty"`
		Price     *int64 `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}
	dir, err := models.ParseDirection(req.Direction)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var orderReq models.OrderRequest = models.MarketOrderRequest{Direction: dir, Ticker: req.Ticker, Qty: req.Qty}
	if req.Price != nil {
		orderReq = models.LimitOrderRequest{Direction: dir, Ticker: req.Ticker, Qty: req.Qty, Price: *req.Price}
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), user.ID, orderReq)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// The order is persisted; a failed dispatch leaves it NEW for a later
	// cycle instead of failing the request.
	if err := h.Dispatcher.Dispatch(r.Context(), order.ID); err != nil {
		logging.FromContext(r.Context(), h.Logger).Error("failed to dispatch order",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_id": order.ID})
}

// ListOrders returns the caller's active orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	orders, err := h.Store.ListActiveOrders(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}

// GetOrder returns one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if order.UserID != user.ID {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CancelOrder cancels one of the caller's resting limit orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	res, err := h.Exchange.CancelOrder(r.Context(), user.ID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.AlreadyTerminal {
		writeError(w, http.StatusBadRequest, "Only NEW or PARTIALLY_EXECUTED orders can be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, success)
}
