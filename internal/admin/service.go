// Package admin groups the owner-gated operations: coin→feed registry
// maintenance, stake amount configuration, treasury inspection and
// emergency withdrawal. Every route requires the X-Owner-Token header.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/api"
	"github.com/hedgemark/settlement-engine/internal/audit"
	"github.com/hedgemark/settlement-engine/internal/guard"
	"github.com/hedgemark/settlement-engine/internal/model"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/store"
)

// Service handles owner-gated requests.
type Service struct {
	store      store.Store
	exec       payout.Executor
	hub        *audit.Hub
	gate       *guard.Gate
	ownerToken string
	now        func() time.Time
}

// NewService creates the admin service. ownerToken must be non-empty;
// the router should not mount these routes without one.
func NewService(st store.Store, exec payout.Executor, hub *audit.Hub, gate *guard.Gate, ownerToken string) *Service {
	return &Service{
		store:      st,
		exec:       exec,
		hub:        hub,
		gate:       gate,
		ownerToken: ownerToken,
		now:        time.Now,
	}
}

// RequireOwner rejects requests whose X-Owner-Token header does not match
// the configured token. The comparison is constant-time.
func (s *Service) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Owner-Token")
		if s.ownerToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.ownerToken)) != 1 {
			api.WriteError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetCoinRequest is the JSON body for PUT /admin/coins/{coin}.
type SetCoinRequest struct {
	FeedRef string `json:"feed_ref"`
}

// StakeAmountRequest is the JSON body for PUT /admin/stake-amount.
type StakeAmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /admin/withdraw.
// A zero amount withdraws the entire treasury balance.
type WithdrawRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// WithdrawResponse reports what was actually moved.
type WithdrawResponse struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// SetCoin handles PUT /api/v1/admin/coins/{coin}.
func (s *Service) SetCoin(w http.ResponseWriter, r *http.Request) {
	coin := chi.URLParam(r, "coin")
	if coin == "" {
		api.WriteError(w, "coin is required", http.StatusBadRequest)
		return
	}

	var req SetCoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FeedRef == "" {
		api.WriteError(w, "feed_ref is required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetCoinFeed(r.Context(), coin, req.FeedRef); err != nil {
		api.Error(w, err)
		return
	}
	slog.Info("coin feed set", "coin", coin, "feed_ref", req.FeedRef)
	api.WriteJSON(w, http.StatusOK, map[string]string{"coin": coin, "feed_ref": req.FeedRef})
}

// RemoveCoin handles DELETE /api/v1/admin/coins/{coin}.
// Existing metrics keep their coin name; resolution fails while the coin
// is unmapped and works again once it is remapped.
func (s *Service) RemoveCoin(w http.ResponseWriter, r *http.Request) {
	coin := chi.URLParam(r, "coin")
	if coin == "" {
		api.WriteError(w, "coin is required", http.StatusBadRequest)
		return
	}

	if err := s.store.RemoveCoinFeed(r.Context(), coin); err != nil {
		api.Error(w, err)
		return
	}
	slog.Info("coin feed removed", "coin", coin)
	w.WriteHeader(http.StatusNoContent)
}

// SetStakeAmount handles PUT /api/v1/admin/stake-amount.
// Only metrics submitted after the change pick up the new amount; each
// metric keeps the stake amount it was created with.
func (s *Service) SetStakeAmount(w http.ResponseWriter, r *http.Request) {
	var req StakeAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		api.WriteError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	if err := s.store.SetStakeAmount(r.Context(), req.Amount); err != nil {
		api.Error(w, err)
		return
	}
	slog.Info("stake amount updated", "amount", req.Amount.String())
	api.WriteJSON(w, http.StatusOK, map[string]string{"stake_amount": req.Amount.String()})
}

// Treasury handles GET /api/v1/admin/treasury.
func (s *Service) Treasury(w http.ResponseWriter, r *http.Request) {
	balance, err := s.store.GetBalance(r.Context(), store.TreasuryAccount)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

// Withdraw handles POST /api/v1/admin/withdraw. Funds escrowed for
// pending metrics are not fenced off; this is an emergency valve, not an
// accounting operation.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" || req.Recipient == store.TreasuryAccount {
		api.WriteError(w, "invalid recipient", http.StatusBadRequest)
		return
	}
	if req.Amount.IsNegative() {
		api.WriteError(w, "amount must not be negative", http.StatusBadRequest)
		return
	}

	if err := s.gate.Enter(); err != nil {
		api.Error(w, err)
		return
	}
	defer s.gate.Leave()

	ctx := r.Context()
	var moved decimal.Decimal
	var events []model.AuditEvent

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		amount := req.Amount
		if amount.IsZero() {
			balance, err := tx.GetBalance(ctx, store.TreasuryAccount)
			if err != nil {
				return err
			}
			amount = balance
		}
		if err := s.exec.Transfer(ctx, tx, req.Recipient, amount); err != nil {
			return err
		}
		moved = amount

		var err error
		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:    model.EventEmergencyWithdraw,
			Account: req.Recipient,
			Amount:  amount,
		})
		return err
	})
	if err != nil {
		slog.Warn("emergency withdraw failed", "recipient", req.Recipient, "err", err)
		api.Error(w, err)
		return
	}

	slog.Warn("emergency withdraw executed", "recipient", req.Recipient, "amount", moved.String())
	s.broadcast(events)

	api.WriteJSON(w, http.StatusOK, WithdrawResponse{Recipient: req.Recipient, Amount: moved})
}

// appendEvent stamps and persists an audit event inside the transaction,
// collecting it for post-commit broadcast. A failed append aborts the
// enclosing transaction.
func (s *Service) appendEvent(ctx context.Context, tx store.Store, events []model.AuditEvent, e model.AuditEvent) ([]model.AuditEvent, error) {
	e.ID = uuid.New().String()
	e.Timestamp = s.now()
	if err := tx.AppendAuditEvent(ctx, &e); err != nil {
		return events, fmt.Errorf("append audit event: %w", err)
	}
	return append(events, e), nil
}

func (s *Service) broadcast(events []model.AuditEvent) {
	if s.hub == nil {
		return
	}
	for _, e := range events {
		s.hub.Broadcast(e)
	}
}
