// Package account exposes the public ledger endpoints: depositing funds
// and reading a balance. All engine operations draw on these balances.
package account

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/api"
	"github.com/hedgemark/settlement-engine/internal/store"
)

// Service handles account ledger requests.
type Service struct {
	store store.Store
}

// NewService creates the account service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// DepositRequest is the JSON body for POST /accounts/{account}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse is the body returned by balance reads.
type BalanceResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// Deposit handles POST /api/v1/accounts/{account}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if account == "" || account == store.TreasuryAccount {
		api.WriteError(w, "invalid account", http.StatusBadRequest)
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		api.WriteError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.Credit(ctx, account, req.Amount); err != nil {
		api.Error(w, err)
		return
	}

	balance, err := s.store.GetBalance(ctx, account)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: balance})
}

// GetBalance handles GET /api/v1/accounts/{account}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if account == "" {
		api.WriteError(w, "invalid account", http.StatusBadRequest)
		return
	}

	balance, err := s.store.GetBalance(r.Context(), account)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: balance})
}
