// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is a validated oracle price observation.
// Price carries 8 decimal places; PublishTime is the feed's own timestamp,
// not the time the quote was read.
type PriceQuote struct {
	Price       decimal.Decimal `json:"price"`
	PublishTime time.Time       `json:"publish_time"`
}

// ShortPosition is a collateralized short record. At most one active
// position exists per account; a closed record is terminal and a new one
// may be opened afterwards.
type ShortPosition struct {
	Account    string          `json:"account" db:"account"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	Active     bool            `json:"active" db:"active"`
}

// Side identifies which half of a metric a stake backs.
type Side int

const (
	// SideFor bets that the expected loss will be realized.
	SideFor Side = iota
	// SideAgainst bets that it will not.
	SideAgainst
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideFor {
		return SideAgainst
	}
	return SideFor
}

func (s Side) String() string {
	if s == SideFor {
		return "for"
	}
	return "against"
}

// ParseSide converts a wire label into a Side.
func ParseSide(label string) (Side, error) {
	switch label {
	case "for":
		return SideFor, nil
	case "against":
		return SideAgainst, nil
	default:
		return 0, fmt.Errorf("unknown side %q (want \"for\" or \"against\")", label)
	}
}

// MarshalJSON encodes the side as its string label.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a side from its string label.
func (s *Side) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	parsed, err := ParseSide(label)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MetricStatus is the lifecycle state of a metric. Pending→Resolved fires
// exactly once and never reverses.
type MetricStatus string

const (
	MetricPending  MetricStatus = "pending"
	MetricResolved MetricStatus = "resolved"
)

// Stake is one staking event. The timestamp drives earliness weighting at
// resolution; the escrowed amount is the metric's StakeAmount snapshot.
type Stake struct {
	Staker   string    `json:"staker" db:"staker"`
	StakedAt time.Time `json:"staked_at" db:"staked_at"`
}

// Metric is a loss-prediction market on one coin. IDs are sequential
// starting at 1; 0 is the not-found sentinel.
type Metric struct {
	ID             uint64          `json:"id" db:"id"`
	Submitter      string          `json:"submitter" db:"submitter"`
	Coin           string          `json:"coin" db:"coin"`
	ExpectedLossBp int64           `json:"expected_loss_bp" db:"expected_loss_bp"`
	Duration       time.Duration   `json:"-" db:"duration_seconds"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	Status         MetricStatus    `json:"status" db:"status"`
	Bounty         decimal.Decimal `json:"bounty" db:"bounty"`
	// StakeAmount is the escrow required per stake, snapshotted from admin
	// config at creation so later config changes cannot desync the pool math.
	StakeAmount decimal.Decimal `json:"stake_amount" db:"stake_amount"`
	// BaselinePrice is the validated oracle price at creation. Resolution
	// compares the then-current price against this, never against itself.
	BaselinePrice decimal.Decimal `json:"baseline_price" db:"baseline_price"`
	StakesFor     []Stake         `json:"stakes_for"`
	StakesAgainst []Stake         `json:"stakes_against"`
	// Set on resolution.
	WinningSide  *Side  `json:"winning_side,omitempty" db:"winning_side"`
	ActualLossBp *int64 `json:"actual_loss_bp,omitempty" db:"actual_loss_bp"`
}

// MarshalJSON encodes Duration as duration_seconds.
func (m Metric) MarshalJSON() ([]byte, error) {
	type alias Metric // drop methods to avoid recursion
	return json.Marshal(struct {
		alias
		DurationSeconds int64 `json:"duration_seconds"`
	}{alias(m), int64(m.Duration / time.Second)})
}

// UnmarshalJSON restores Duration from duration_seconds, keeping the
// round trip lossless for cached copies.
func (m *Metric) UnmarshalJSON(data []byte) error {
	type alias Metric
	aux := struct {
		*alias
		DurationSeconds int64 `json:"duration_seconds"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Duration = time.Duration(aux.DurationSeconds) * time.Second
	return nil
}

// Deadline is the instant the staking window closes.
func (m *Metric) Deadline() time.Time {
	return m.StartTime.Add(m.Duration)
}

// Stakes returns the stake list backing the given side.
func (m *Metric) Stakes(side Side) []Stake {
	if side == SideFor {
		return m.StakesFor
	}
	return m.StakesAgainst
}

// Audit event types.
const (
	EventShortOpened       = "short_opened"
	EventShortClosed       = "short_closed"
	EventMetricSubmitted   = "metric_submitted"
	EventStaked            = "staked"
	EventMetricResolved    = "metric_resolved"
	EventRewardDistributed = "reward_distributed"
	EventEmergencyWithdraw = "emergency_withdraw"
)

// AuditEvent is an immutable record appended for every settlement-relevant
// action. Once created, these are never modified or deleted.
type AuditEvent struct {
	ID        string          `json:"id" db:"id"`
	Type      string          `json:"type" db:"type"`
	Account   string          `json:"account,omitempty" db:"account"`
	MetricID  uint64          `json:"metric_id,omitempty" db:"metric_id"`
	Side      string          `json:"side,omitempty" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
