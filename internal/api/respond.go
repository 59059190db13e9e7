// Package api holds the JSON response helpers and the mapping from engine
// errors to HTTP status codes, shared by all handler packages.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hedgemark/settlement-engine/internal/guard"
	"github.com/hedgemark/settlement-engine/internal/oracle"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/store"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Error writes err with the status implied by its kind.
func Error(w http.ResponseWriter, err error) {
	WriteError(w, err.Error(), statusFor(err))
}

// statusFor maps engine error kinds to HTTP statuses: state conflicts and
// oracle rejections are 409, missing records 404, funds shortfalls 402,
// transfer failures 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrMetricNotFound),
		errors.Is(err, store.ErrNoActivePosition),
		errors.Is(err, store.ErrCoinNotSupported):
		return http.StatusNotFound

	case errors.Is(err, store.ErrActivePositionExists),
		errors.Is(err, store.ErrMetricAlreadyResolved),
		errors.Is(err, guard.ErrOperationInProgress),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrStalePrice):
		return http.StatusConflict

	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, oracle.ErrInsufficientUpdateFee):
		return http.StatusPaymentRequired

	case errors.Is(err, payout.ErrTransferFailed):
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
