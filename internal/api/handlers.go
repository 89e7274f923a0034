package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xtrntr/spot-exchange/internal/auth"
	"github.com/xtrntr/spot-exchange/internal/dispatch"
	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/logging"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       store.Store
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Dispatcher  dispatch.Dispatcher
	Logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(s store.Store, ex *exchange.Exchange, authService *auth.AuthService, d dispatch.Dispatcher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: s, Exchange: ex, AuthService: authService, Dispatcher: d, Logger: log}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type okResponse struct {
	Success bool `json:"success"`
}

var success = okResponse{Success: true}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidOrder):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrInsufficientReserve),
		errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrAlreadyTerminal):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAlreadyExists), errors.Is(err, models.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Internal errors are logged and their
// text is not exposed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.Logger).Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// queryLimit parses ?limit=, defaulting to def and bounded to [1, max].
func queryLimit(r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
