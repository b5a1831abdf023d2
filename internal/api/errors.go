package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coinpool/capital-engine/internal/capital"
	"github.com/coinpool/capital-engine/internal/coin"
	"github.com/coinpool/capital-engine/internal/model"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{model.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{model.ErrInvalidTrade, http.StatusBadRequest, "invalid_trade"},
	{coin.ErrUnknownCoin, http.StatusBadRequest, "unknown_coin"},
	{coin.ErrInvalidSymbol, http.StatusBadRequest, "unknown_coin"},
	{capital.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{model.ErrInsufficientFunds, http.StatusConflict, "insufficient_funds"},
	{model.ErrInsufficientCash, http.StatusConflict, "insufficient_cash"},
	{model.ErrInsufficientPosition, http.StatusConflict, "insufficient_position"},
	{model.ErrOutOfOrderTrade, http.StatusConflict, "out_of_order_trade"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{capital.ErrMissingPriceData, http.StatusUnprocessableEntity, "missing_price_data"},
	{model.ErrPersistence, http.StatusServiceUnavailable, "persistence_failure"},
}

// statusFor maps a ledger error to its HTTP status and machine-readable code.
func statusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeErr writes err as a JSON error response with its mapped status.
func writeErr(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, err.Error(), code, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
