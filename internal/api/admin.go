package api

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

// DeleteUser removes a user together with its orders and balances
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid user ID")
		return
	}
	user, err := h.Store.DeleteUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// AddInstrument registers a new ticker
func (h *Handler) AddInstrument(w http.ResponseWriter, r *http.Request) {
	var req models.Instrument
	if !decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if !tickerPattern.MatchString(req.Ticker) {
		writeError(w, http.StatusUnprocessableEntity, "ticker must match ^[A-Z]{2,10}$")
		return
	}
	if req.Name == "" || len(req.Name) > 50 {
		writeError(w, http.StatusUnprocessableEntity, "name must be 1 to 50 characters")
		return
	}
	if req.Ticker == h.Exchange.QuoteTicker() {
		writeError(w, http.StatusUnprocessableEntity, "the quote ticker is not an instrument")
		return
	}
	if err := h.Store.CreateInstrument(r.Context(), &req); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

// DeleteInstrument removes an instrument without active orders or holders
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteInstrument(r.Context(), strings.ToUpper(chi.URLParam(r, "ticker"))); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

type balanceOperation struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req balanceOperation
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.Exchange.Deposit(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req balanceOperation
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.Exchange.Withdraw(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}
