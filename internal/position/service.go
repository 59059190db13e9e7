// Package position owns the short-position lifecycle: opening against a
// validated oracle price, closing with capped-profit / floored-loss
// settlement, and a pure PnL view.
//
// All monetary values use shopspring/decimal, never float64.
package position

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/hedgemark/settlement-engine/internal/metrics"
	"github.com/hedgemark/settlement-engine/internal/model"
	"github.com/hedgemark/settlement-engine/internal/oracle"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/settle"
	"github.com/hedgemark/settlement-engine/internal/store"
)

// MaxProfitPct caps a short's profit at this percentage of its collateral.
const MaxProfitPct = 200

// MinCollateral is the smallest collateral a position may be opened with,
// measured after the update fee is consumed from the supplied value.
var MinCollateral = decimal.NewFromInt(10)

// ErrInsufficientCollateral is returned when the supplied value is below
// MinCollateral.
var ErrInsufficientCollateral = errors.New("position: insufficient collateral")

// Service handles short-position operations. Every mutating entry point
// runs under the shared engine gate and commits through one store
// transaction, so a failed settlement leaves no partial state.
type Service struct {
	store  store.Store
	oracle *oracle.Client
	exec   payout.Executor
	hub    *audit.Hub
	gate   *guard.Gate
	coin   string
	now    func() time.Time
}

// NewService creates the position service trading the given coin.
// Pass nil for hub if live audit broadcasting is not needed.
func NewService(st store.Store, oc *oracle.Client, exec payout.Executor, hub *audit.Hub, gate *guard.Gate, coin string) *Service {
	return &Service{
		store:  st,
		oracle: oc,
		exec:   exec,
		hub:    hub,
		gate:   gate,
		coin:   coin,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// --- Request/Response types ---

// OpenRequest is the JSON body for POST /positions/open. Amount is the
// supplied value: the update fee is consumed from it and the remainder
// becomes collateral.
type OpenRequest struct {
	Account     string          `json:"account"`
	Amount      decimal.Decimal `json:"amount"`
	PriceUpdate json.RawMessage `json:"price_update,omitempty"`
}

// CloseRequest is the JSON body for POST /positions/close. Amount covers
// the update fee; the excess over the consumed fee is refunded.
type CloseRequest struct {
	Account     string          `json:"account"`
	Amount      decimal.Decimal `json:"amount"`
	PriceUpdate json.RawMessage `json:"price_update,omitempty"`
}

// CloseResponse summarizes a settled close.
type CloseResponse struct {
	Account    string          `json:"account"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	PnLBp      decimal.Decimal `json:"pnl_bp"`
	PnL        decimal.Decimal `json:"pnl"`
	Payout     decimal.Decimal `json:"payout"`
	Refund     decimal.Decimal `json:"refund"`
}

// PnLResponse is the pure view of an open position's current PnL.
type PnLResponse struct {
	Position     model.ShortPosition `json:"position"`
	CurrentPrice decimal.Decimal     `json:"current_price"`
	PnLBp        decimal.Decimal     `json:"pnl_bp"`
	PnL          decimal.Decimal     `json:"pnl"`
}

// --- HTTP Handlers ---

// OpenShort handles POST /api/v1/positions/open.
func (s *Service) OpenShort(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		api.WriteError(w, "account is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		api.WriteError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	if err := s.gate.Enter(); err != nil {
		api.Error(w, err)
		return
	}
	defer s.gate.Leave()

	ctx := r.Context()
	var position model.ShortPosition
	var events []model.AuditEvent

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		if _, err := tx.GetActivePosition(ctx, req.Account); err == nil {
			return store.ErrActivePositionExists
		} else if !errors.Is(err, store.ErrNoActivePosition) {
			return err
		}
		if req.Amount.LessThan(MinCollateral) {
			return fmt.Errorf("%w: supplied %s below minimum %s", ErrInsufficientCollateral, req.Amount, MinCollateral)
		}

		feedRef, err := tx.GetCoinFeed(ctx, s.coin)
		if err != nil {
			return err
		}

		if err := tx.Debit(ctx, req.Account, req.Amount); err != nil {
			return err
		}

		fee, err := s.oracle.ApplyPaidUpdate(ctx, req.PriceUpdate, req.Amount)
		if err != nil {
			return err
		}
		collateral := req.Amount.Sub(fee)
		if collateral.LessThan(MinCollateral) {
			return fmt.Errorf("%w: collateral %s after fee below minimum %s", ErrInsufficientCollateral, collateral, MinCollateral)
		}

		quote, err := s.oracle.GetValidatedPrice(ctx, feedRef)
		if err != nil {
			return err
		}

		now := s.now()
		position = model.ShortPosition{
			Account:    req.Account,
			Collateral: collateral,
			EntryPrice: quote.Price,
			OpenedAt:   now,
			Active:     true,
		}
		if err := tx.CreatePosition(ctx, &position); err != nil {
			return err
		}
		// Collateral is held by the engine until close; the fee is consumed
		// by the oracle and leaves the ledger.
		if err := tx.Credit(ctx, store.TreasuryAccount, collateral); err != nil {
			return err
		}

		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:    model.EventShortOpened,
			Account: req.Account,
			Amount:  collateral,
			Price:   quote.Price,
		})
		return err
	})
	if err != nil {
		s.fail(w, "open short", req.Account, err)
		return
	}

	metrics.ShortsOpened.Inc()
	slog.Info("short opened",
		"account", req.Account,
		"collateral", position.Collateral.String(),
		"entry_price", position.EntryPrice.String(),
	)
	s.broadcast(events)

	api.WriteJSON(w, http.StatusCreated, position)
}

// CloseShort handles POST /api/v1/positions/close.
// The position is marked inactive before the payout transfer, so a
// re-entrant close cannot double-pay; any failure rolls the whole close
// back as one transaction.
func (s *Service) CloseShort(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		api.WriteError(w, "account is required", http.StatusBadRequest)
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
	var resp CloseResponse
	var events []model.AuditEvent

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		position, err := tx.GetActivePosition(ctx, req.Account)
		if err != nil {
			return err
		}

		feedRef, err := tx.GetCoinFeed(ctx, s.coin)
		if err != nil {
			return err
		}

		if req.Amount.IsPositive() {
			if err := tx.Debit(ctx, req.Account, req.Amount); err != nil {
				return err
			}
		}
		fee, err := s.oracle.ApplyPaidUpdate(ctx, req.PriceUpdate, req.Amount)
		if err != nil {
			return err
		}
		refund := req.Amount.Sub(fee)

		quote, err := s.oracle.GetValidatedPrice(ctx, feedRef)
		if err != nil {
			return err
		}

		pnlBp, err := settle.PnLBp(position.EntryPrice, quote.Price)
		if err != nil {
			return err
		}
		pnl := settle.PnL(position.Collateral, pnlBp)
		payoutAmount := settle.ShortPayout(position.Collateral, pnl, MaxProfitPct)

		// Terminal state first, transfers after.
		if err := tx.DeactivatePosition(ctx, req.Account); err != nil {
			return err
		}

		// The collateral held at open funds the payout; profit beyond it is
		// drawn from the engine treasury.
		if err := s.exec.Transfer(ctx, tx, req.Account, payoutAmount); err != nil {
			return err
		}
		if refund.IsPositive() {
			if err := tx.Credit(ctx, req.Account, refund); err != nil {
				return err
			}
		}

		resp = CloseResponse{
			Account:    req.Account,
			EntryPrice: position.EntryPrice,
			ClosePrice: quote.Price,
			PnLBp:      pnlBp,
			PnL:        pnl,
			Payout:     payoutAmount,
			Refund:     refund,
		}

		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:    model.EventShortClosed,
			Account: req.Account,
			Amount:  pnl,
			Price:   quote.Price,
		})
		return err
	})
	if err != nil {
		s.fail(w, "close short", req.Account, err)
		return
	}

	outcome := "flat"
	switch resp.PnL.Sign() {
	case 1:
		outcome = "profit"
	case -1:
		outcome = "loss"
	}
	metrics.ShortsClosed.WithLabelValues(outcome).Inc()
	slog.Info("short closed",
		"account", req.Account,
		"pnl", resp.PnL.String(),
		"payout", resp.Payout.String(),
		"close_price", resp.ClosePrice.String(),
	)
	s.broadcast(events)

	api.WriteJSON(w, http.StatusOK, resp)
}

// ViewPnL handles GET /api/v1/positions/{account}.
// Pure read: same settlement formula as close, no fees, no mutation.
func (s *Service) ViewPnL(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	ctx := r.Context()

	position, err := s.store.GetActivePosition(ctx, account)
	if err != nil {
		api.Error(w, err)
		return
	}

	feedRef, err := s.store.GetCoinFeed(ctx, s.coin)
	if err != nil {
		api.Error(w, err)
		return
	}
	quote, err := s.oracle.GetValidatedPrice(ctx, feedRef)
	if err != nil {
		api.Error(w, err)
		return
	}

	pnlBp, err := settle.PnLBp(position.EntryPrice, quote.Price)
	if err != nil {
		api.Error(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, PnLResponse{
		Position:     *position,
		CurrentPrice: quote.Price,
		PnLBp:        pnlBp,
		PnL:          settle.PnL(position.Collateral, pnlBp),
	})
}

// --- helpers ---

// appendEvent stamps and persists an audit event inside the transaction,
// collecting it for post-commit broadcast. A failed append aborts the
// enclosing transaction; on postgres the statement failure has already
// poisoned it anyway.
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

func (s *Service) fail(w http.ResponseWriter, op, account string, err error) {
	slog.Warn(op+" failed", "account", account, "err", err)
	if errors.Is(err, ErrInsufficientCollateral) {
		api.WriteError(w, err.Error(), http.StatusPaymentRequired)
		return
	}
	if errors.Is(err, payout.ErrTransferFailed) {
		metrics.TransferFailures.Inc()
	}
	if errors.Is(err, oracle.ErrInvalidPrice) {
		metrics.OracleRejections.WithLabelValues("invalid").Inc()
	}
	if errors.Is(err, oracle.ErrStalePrice) {
		metrics.OracleRejections.WithLabelValues("stale").Inc()
	}
	api.Error(w, err)
}
