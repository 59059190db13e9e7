// Package prediction owns the loss-prediction metrics: creation with a
// persisted baseline price, time-boxed opposing stakes with escrow, and
// resolution that distributes the reward pool to the winning side weighted
// by how early each participant staked.
//
// All monetary values use shopspring/decimal, never float64.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
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

var (
	// ErrInvalidParameters is returned for out-of-range metric parameters.
	ErrInvalidParameters = errors.New("prediction: invalid parameters")

	// ErrStakingPeriodOver is returned when a stake arrives at or after the
	// window deadline.
	ErrStakingPeriodOver = errors.New("prediction: staking period over")

	// ErrStakingPeriodOpen is returned when resolution is attempted before
	// the window closes.
	ErrStakingPeriodOpen = errors.New("prediction: staking period still open")

	// ErrStakeAmountMismatch is returned when the supplied stake does not
	// equal the metric's escrow amount exactly. Mismatches are rejected,
	// never auto-filled.
	ErrStakeAmountMismatch = errors.New("prediction: stake amount mismatch")
)

// Service handles metric operations. Mutating entry points run under the
// shared engine gate and commit through one store transaction: a failed
// payout rolls back the resolution, status flip included.
type Service struct {
	store  store.Store
	oracle *oracle.Client
	exec   payout.Executor
	hub    *audit.Hub
	gate   *guard.Gate
	now    func() time.Time
}

// NewService creates the prediction service.
// Pass nil for hub if live audit broadcasting is not needed.
func NewService(st store.Store, oc *oracle.Client, exec payout.Executor, hub *audit.Hub, gate *guard.Gate) *Service {
	return &Service{
		store:  st,
		oracle: oc,
		exec:   exec,
		hub:    hub,
		gate:   gate,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// --- Request/Response types ---

// SubmitRequest is the JSON body for POST /metrics. The bounty is debited
// from the submitter and escrowed until resolution.
type SubmitRequest struct {
	Submitter       string          `json:"submitter"`
	Coin            string          `json:"coin"`
	ExpectedLossBp  int64           `json:"expected_loss_bp"`
	DurationSeconds int64           `json:"duration_seconds"`
	Bounty          decimal.Decimal `json:"bounty"`
}

// StakeRequest is the JSON body for POST /metrics/{metricID}/stake.
// Side must be "for" or "against"; a missing side is rejected rather than
// defaulting. Amount must equal the metric's stake amount exactly.
type StakeRequest struct {
	Staker string          `json:"staker"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /metrics/{metricID}/resolve.
// Amount and PriceUpdate follow the same fee mechanics as position calls:
// the fee is consumed from the resolver's supplied value, the excess
// refunded.
type ResolveRequest struct {
	Resolver    string          `json:"resolver"`
	Amount      decimal.Decimal `json:"amount"`
	PriceUpdate json.RawMessage `json:"price_update,omitempty"`
}

// Reward pairs a winning staker with the amount paid out.
type Reward struct {
	Staker string          `json:"staker"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveResponse summarizes a resolution.
type ResolveResponse struct {
	MetricID     uint64          `json:"metric_id"`
	WinningSide  model.Side      `json:"winning_side"`
	ActualLossBp int64           `json:"actual_loss_bp"`
	RewardPool   decimal.Decimal `json:"reward_pool"`
	Distributed  decimal.Decimal `json:"distributed"`
	Rewards      []Reward        `json:"rewards"`
}

// --- HTTP Handlers ---

// SubmitMetric handles POST /api/v1/metrics.
// The baseline price is captured and persisted here; resolution compares
// against it, never against the resolution-time price alone.
func (s *Service) SubmitMetric(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateSubmit(req); err != nil {
		s.fail(w, "submit metric", err)
		return
	}

	if err := s.gate.Enter(); err != nil {
		api.Error(w, err)
		return
	}
	defer s.gate.Leave()

	ctx := r.Context()
	var metric model.Metric
	var events []model.AuditEvent

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		feedRef, err := tx.GetCoinFeed(ctx, req.Coin)
		if err != nil {
			return err
		}
		baseline, err := s.oracle.GetValidatedPrice(ctx, feedRef)
		if err != nil {
			return err
		}
		stakeAmount, err := tx.GetStakeAmount(ctx)
		if err != nil {
			return err
		}

		if req.Bounty.IsPositive() {
			if err := tx.Debit(ctx, req.Submitter, req.Bounty); err != nil {
				return err
			}
			if err := tx.Credit(ctx, store.TreasuryAccount, req.Bounty); err != nil {
				return err
			}
		}

		metric = model.Metric{
			Submitter:      req.Submitter,
			Coin:           req.Coin,
			ExpectedLossBp: req.ExpectedLossBp,
			Duration:       time.Duration(req.DurationSeconds) * time.Second,
			StartTime:      s.now(),
			Status:         model.MetricPending,
			Bounty:         req.Bounty,
			StakeAmount:    stakeAmount,
			BaselinePrice:  baseline.Price,
		}
		if err := tx.CreateMetric(ctx, &metric); err != nil {
			return err
		}

		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:     model.EventMetricSubmitted,
			Account:  req.Submitter,
			MetricID: metric.ID,
			Amount:   req.Bounty,
			Price:    baseline.Price,
		})
		return err
	})
	if err != nil {
		s.fail(w, "submit metric", err)
		return
	}

	metrics.MetricsSubmitted.Inc()
	slog.Info("metric submitted",
		"id", metric.ID,
		"coin", metric.Coin,
		"expected_loss_bp", metric.ExpectedLossBp,
		"duration", metric.Duration.String(),
		"bounty", metric.Bounty.String(),
	)
	s.broadcast(events)

	api.WriteJSON(w, http.StatusCreated, metric)
}

// Stake handles POST /api/v1/metrics/{metricID}/stake.
// Permissive by design: a staker may stake repeatedly, and on both sides.
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	id, ok := metricID(w, r)
	if !ok {
		return
	}

	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Staker == "" {
		api.WriteError(w, "staker is required", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		api.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.gate.Enter(); err != nil {
		api.Error(w, err)
		return
	}
	defer s.gate.Leave()

	ctx := r.Context()
	var events []model.AuditEvent
	var stake model.Stake

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		metric, err := tx.GetMetric(ctx, id)
		if err != nil {
			return err
		}
		if metric.Status != model.MetricPending {
			return store.ErrMetricAlreadyResolved
		}

		now := s.now()
		if !now.Before(metric.Deadline()) {
			return fmt.Errorf("%w: window closed at %s", ErrStakingPeriodOver, metric.Deadline().UTC().Format(time.RFC3339))
		}
		if !req.Amount.Equal(metric.StakeAmount) {
			return fmt.Errorf("%w: metric requires %s, got %s", ErrStakeAmountMismatch, metric.StakeAmount, req.Amount)
		}

		if err := tx.Debit(ctx, req.Staker, req.Amount); err != nil {
			return err
		}
		if err := tx.Credit(ctx, store.TreasuryAccount, req.Amount); err != nil {
			return err
		}

		stake = model.Stake{Staker: req.Staker, StakedAt: now}
		if err := tx.AppendStake(ctx, id, side, stake); err != nil {
			return err
		}

		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:     model.EventStaked,
			Account:  req.Staker,
			MetricID: id,
			Side:     side.String(),
			Amount:   req.Amount,
		})
		return err
	})
	if err != nil {
		s.fail(w, "stake", err)
		return
	}

	metrics.StakesPlaced.WithLabelValues(side.String()).Inc()
	slog.Info("stake placed",
		"metric_id", id,
		"staker", req.Staker,
		"side", side.String(),
		"amount", req.Amount.String(),
	)
	s.broadcast(events)

	api.WriteJSON(w, http.StatusOK, stake)
}

// Resolve handles POST /api/v1/metrics/{metricID}/resolve.
// The metric is marked Resolved before any reward transfer; a failed
// transfer rolls back the entire resolution, status flip included.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := metricID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.IsNegative() {
		api.WriteError(w, "amount must not be negative", http.StatusBadRequest)
		return
	}
	if len(req.PriceUpdate) > 0 && req.Resolver == "" {
		api.WriteError(w, "resolver is required with a price update", http.StatusBadRequest)
		return
	}

	if err := s.gate.Enter(); err != nil {
		api.Error(w, err)
		return
	}
	defer s.gate.Leave()

	ctx := r.Context()
	var resp ResolveResponse
	var events []model.AuditEvent

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		metric, err := tx.GetMetric(ctx, id)
		if err != nil {
			return err
		}
		if metric.Status != model.MetricPending {
			return store.ErrMetricAlreadyResolved
		}

		now := s.now()
		if now.Before(metric.Deadline()) {
			return fmt.Errorf("%w: window closes at %s", ErrStakingPeriodOpen, metric.Deadline().UTC().Format(time.RFC3339))
		}

		feedRef, err := tx.GetCoinFeed(ctx, metric.Coin)
		if err != nil {
			return err
		}

		if len(req.PriceUpdate) > 0 {
			if err := tx.Debit(ctx, req.Resolver, req.Amount); err != nil {
				return err
			}
			fee, err := s.oracle.ApplyPaidUpdate(ctx, req.PriceUpdate, req.Amount)
			if err != nil {
				return err
			}
			if refund := req.Amount.Sub(fee); refund.IsPositive() {
				if err := tx.Credit(ctx, req.Resolver, refund); err != nil {
					return err
				}
			}
		}

		quote, err := s.oracle.GetValidatedPrice(ctx, feedRef)
		if err != nil {
			return err
		}

		actualLossBp, err := settle.LossBp(metric.BaselinePrice, quote.Price)
		if err != nil {
			return err
		}

		winner := model.SideAgainst
		if actualLossBp >= metric.ExpectedLossBp {
			winner = model.SideFor
		}
		winners := metric.Stakes(winner)
		losers := metric.Stakes(winner.Opposite())

		rewardPool := metric.Bounty.Add(metric.StakeAmount.Mul(decimal.NewFromInt(int64(len(losers)))))

		weights := make([]decimal.Decimal, len(winners))
		for i, stake := range winners {
			weights[i] = settle.Earliness(metric.StartTime, metric.Duration, stake.StakedAt)
		}
		rewards := settle.DistributeRewards(rewardPool, weights)

		// Status flips before any transfer; a transfer failure rolls the
		// flip back with everything else.
		if err := tx.MarkMetricResolved(ctx, id, winner, actualLossBp); err != nil {
			return err
		}

		resp = ResolveResponse{
			MetricID:     id,
			WinningSide:  winner,
			ActualLossBp: actualLossBp,
			RewardPool:   rewardPool,
			Distributed:  decimal.Zero,
		}
		for i, reward := range rewards {
			if err := s.exec.Transfer(ctx, tx, winners[i].Staker, reward); err != nil {
				return err
			}
			resp.Distributed = resp.Distributed.Add(reward)
			resp.Rewards = append(resp.Rewards, Reward{Staker: winners[i].Staker, Amount: reward})

			events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
				Type:     model.EventRewardDistributed,
				Account:  winners[i].Staker,
				MetricID: id,
				Amount:   reward,
			})
			if err != nil {
				return err
			}
		}

		events, err = s.appendEvent(ctx, tx, events, model.AuditEvent{
			Type:     model.EventMetricResolved,
			MetricID: id,
			Side:     winner.String(),
			Amount:   resp.Distributed,
			Price:    quote.Price,
		})
		return err
	})
	if err != nil {
		s.fail(w, "resolve metric", err)
		return
	}

	metrics.MetricsResolved.WithLabelValues(resp.WinningSide.String()).Inc()
	if f, _ := resp.Distributed.Float64(); f > 0 {
		metrics.RewardsDistributed.Add(f)
	}
	slog.Info("metric resolved",
		"id", id,
		"winner", resp.WinningSide.String(),
		"actual_loss_bp", resp.ActualLossBp,
		"reward_pool", resp.RewardPool.String(),
		"distributed", resp.Distributed.String(),
	)
	s.broadcast(events)

	api.WriteJSON(w, http.StatusOK, resp)
}

// GetMetric handles GET /api/v1/metrics/{metricID}.
func (s *Service) GetMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := metricID(w, r)
	if !ok {
		return
	}

	metric, err := s.store.GetMetric(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, metric)
}

// ListMetrics handles GET /api/v1/metrics.
func (s *Service) ListMetrics(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListMetrics(r.Context())
	if err != nil {
		api.WriteError(w, "failed to list metrics", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.Metric{}
	}
	api.WriteJSON(w, http.StatusOK, list)
}

// --- helpers ---

func validateSubmit(req SubmitRequest) error {
	switch {
	case req.Submitter == "" || req.Coin == "":
		return fmt.Errorf("%w: submitter and coin are required", ErrInvalidParameters)
	case req.ExpectedLossBp < 0 || req.ExpectedLossBp > settle.BasisPointScale:
		return fmt.Errorf("%w: expected_loss_bp must be in [0, %d]", ErrInvalidParameters, settle.BasisPointScale)
	case req.DurationSeconds <= 0:
		return fmt.Errorf("%w: duration_seconds must be positive", ErrInvalidParameters)
	case req.Bounty.IsNegative():
		return fmt.Errorf("%w: bounty must not be negative", ErrInvalidParameters)
	}
	return nil
}

// metricID parses the {metricID} URL parameter. Ids start at 1; anything
// unparsable or zero is reported as not found, matching the id-0 sentinel.
func metricID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "metricID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		api.Error(w, fmt.Errorf("%w: id %q", store.ErrMetricNotFound, raw))
		return 0, false
	}
	return id, true
}

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

func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	slog.Warn(op+" failed", "err", err)
	switch {
	case errors.Is(err, ErrInvalidParameters), errors.Is(err, ErrStakeAmountMismatch):
		api.WriteError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrStakingPeriodOver), errors.Is(err, ErrStakingPeriodOpen):
		api.WriteError(w, err.Error(), http.StatusConflict)
	default:
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
}
