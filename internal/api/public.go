package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
)

type registerResponse struct {
	ID     uuid.UUID   `json:"id"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
	APIKey string      `json:"api_key"`
}

// Register creates a user and returns its API key once
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}

	user, key, err := h.AuthService.Register(r.Context(), req.Name)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			writeError(w, http.StatusBadRequest, "Registration failed: "+err.Error())
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{ID: user.ID, Name: user.Name, Role: user.Role, APIKey: key})
}

// Token exchanges an API key for a bearer token
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	token, expires, err := h.AuthService.IssueToken(r.Context(), req.APIKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// ListInstruments lists every tradable ticker
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.Store.ListInstruments(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if instruments == nil {
		instruments = []models.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// GetOrderBook returns the aggregated L2 book of a ticker
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 10, 100)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
		return
	}
	book, err := h.Store.OrderBook(r.Context(), strings.ToUpper(chi.URLParam(r, "ticker")), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if book.Bids == nil {
		book.Bids = []models.Level{}
	}
	if book.Asks == nil {
		book.Asks = []models.Level{}
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTransactions returns the newest trades of a ticker
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 10, 100)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
		return
	}
	trades, err := h.Store.RecentTrades(r.Context(), strings.ToUpper(chi.URLParam(r, "ticker")), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
