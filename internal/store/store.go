// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The store exclusively owns all position, metric, stake, balance, and
// coin-feed records; services never share mutable state with each other
// except through it.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// TreasuryAccount is the reserved account holding engine-owned funds:
// locked collateral, bounty pools, and escrowed stakes.
const TreasuryAccount = "@treasury"

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrActivePositionExists is returned when opening over a live position.
	ErrActivePositionExists = errors.New("store: active position already exists")

	// ErrNoActivePosition is returned when no live position exists for an account.
	ErrNoActivePosition = errors.New("store: no active position")

	// ErrMetricNotFound is returned for a metric id outside [1, nextID).
	ErrMetricNotFound = errors.New("store: metric not found")

	// ErrMetricAlreadyResolved is returned when resolving a resolved metric.
	// Resolved is terminal; the transition fires exactly once.
	ErrMetricAlreadyResolved = errors.New("store: metric already resolved")

	// ErrCoinNotSupported is returned when no feed is mapped for a coin.
	ErrCoinNotSupported = errors.New("store: coin not supported")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Account balances ---

	// Credit adds amount to an account, creating it if needed.
	Credit(ctx context.Context, account string, amount decimal.Decimal) error

	// Debit removes amount from an account; fails with ErrInsufficientFunds
	// rather than going negative.
	Debit(ctx context.Context, account string, amount decimal.Decimal) error

	// GetBalance returns the account balance (zero for unknown accounts).
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)

	// --- Short positions ---

	// CreatePosition persists a new active position; at most one active
	// record may exist per account.
	CreatePosition(ctx context.Context, p *model.ShortPosition) error

	// GetActivePosition returns the live position for an account.
	GetActivePosition(ctx context.Context, account string) (*model.ShortPosition, error)

	// DeactivatePosition marks the live position closed. Terminal for that
	// record; the account may open a fresh one afterwards.
	DeactivatePosition(ctx context.Context, account string) error

	// --- Metrics & stakes ---

	// CreateMetric persists a new metric, assigning the next sequential id
	// (starting at 1) and writing it back into m.
	CreateMetric(ctx context.Context, m *model.Metric) error

	// GetMetric returns a metric with its stake lists.
	GetMetric(ctx context.Context, id uint64) (*model.Metric, error)

	// ListMetrics returns all metrics, newest first, without stake lists.
	ListMetrics(ctx context.Context) ([]model.Metric, error)

	// AppendStake appends a stake to one side of a pending metric.
	AppendStake(ctx context.Context, id uint64, side model.Side, stake model.Stake) error

	// MarkMetricResolved transitions a metric Pending→Resolved and records
	// the outcome. Fails if the metric is already resolved.
	MarkMetricResolved(ctx context.Context, id uint64, winner model.Side, actualLossBp int64) error

	// --- Coin→feed mapping & stake amount (admin-owned config) ---

	SetCoinFeed(ctx context.Context, coin, feedRef string) error
	RemoveCoinFeed(ctx context.Context, coin string) error
	GetCoinFeed(ctx context.Context, coin string) (string, error)

	SetStakeAmount(ctx context.Context, amount decimal.Decimal) error
	GetStakeAmount(ctx context.Context) (decimal.Decimal, error)

	// --- Audit stream (append-only) ---

	AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error

	// --- Unit of work ---

	// Atomic runs fn against a transactional view of the store. If fn
	// returns an error every mutation it made is rolled back; otherwise all
	// are committed together. Settlement flows rely on this for their
	// all-or-nothing contract.
	Atomic(ctx context.Context, fn func(Store) error) error
}
