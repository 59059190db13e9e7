package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// code serves plain calls and Atomic transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// --- Account balances ---

func (s *PostgresStore) Credit(ctx context.Context, account string, amount decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		account, amount.String(),
	)
	return err
}

func (s *PostgresStore) Debit(ctx context.Context, account string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC
		 WHERE account = $1 AND balance >= $2::NUMERIC`,
		account, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s, debit %s", ErrInsufficientFunds, account, amount)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var balanceS string
	err := s.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE account = $1`, account).Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	balance, _ := decimal.NewFromString(balanceS)
	return balance, nil
}

// --- Short positions ---

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.ShortPosition) error {
	// Upsert replaces only a closed record; a live one blocks the insert.
	tag, err := s.q.Exec(ctx,
		`INSERT INTO positions (account, collateral, entry_price, opened_at, active)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, TRUE)
		 ON CONFLICT (account) DO UPDATE
		 SET collateral = EXCLUDED.collateral, entry_price = EXCLUDED.entry_price,
		     opened_at = EXCLUDED.opened_at, active = TRUE
		 WHERE positions.active = FALSE`,
		p.Account, p.Collateral.String(), p.EntryPrice.String(), p.OpenedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActivePositionExists
	}
	return nil
}

func (s *PostgresStore) GetActivePosition(ctx context.Context, account string) (*model.ShortPosition, error) {
	var p model.ShortPosition
	var collateralS, entryPriceS string

	err := s.q.QueryRow(ctx,
		`SELECT account, collateral::TEXT, entry_price::TEXT, opened_at, active
		 FROM positions WHERE account = $1 AND active`, account).
		Scan(&p.Account, &collateralS, &entryPriceS, &p.OpenedAt, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActivePosition
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", account, err)
	}

	p.Collateral, _ = decimal.NewFromString(collateralS)
	p.EntryPrice, _ = decimal.NewFromString(entryPriceS)
	return &p, nil
}

func (s *PostgresStore) DeactivatePosition(ctx context.Context, account string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE positions SET active = FALSE WHERE account = $1 AND active`, account)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActivePosition
	}
	return nil
}

// --- Metrics & stakes ---

func (s *PostgresStore) CreateMetric(ctx context.Context, m *model.Metric) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO metrics (submitter, coin, expected_loss_bp, duration_seconds, start_time,
		                      status, bounty, stake_amount, baseline_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC)
		 RETURNING id`,
		m.Submitter, m.Coin, m.ExpectedLossBp, int64(m.Duration/time.Second), m.StartTime,
		string(m.Status), m.Bounty.String(), m.StakeAmount.String(), m.BaselinePrice.String(),
	).Scan(&m.ID)
}

func (s *PostgresStore) GetMetric(ctx context.Context, id uint64) (*model.Metric, error) {
	m, err := s.scanMetric(s.q.QueryRow(ctx,
		`SELECT id, submitter, coin, expected_loss_bp, duration_seconds, start_time,
		        status, bounty::TEXT, stake_amount::TEXT, baseline_price::TEXT,
		        winning_side, actual_loss_bp
		 FROM metrics WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.q.Query(ctx,
		`SELECT side, staker, staked_at FROM stakes WHERE metric_id = $1 ORDER BY staked_at, seq`,
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sideLabel string
		var stake model.Stake
		if err := rows.Scan(&sideLabel, &stake.Staker, &stake.StakedAt); err != nil {
			return nil, err
		}
		side, err := model.ParseSide(sideLabel)
		if err != nil {
			return nil, err
		}
		if side == model.SideFor {
			m.StakesFor = append(m.StakesFor, stake)
		} else {
			m.StakesAgainst = append(m.StakesAgainst, stake)
		}
	}
	return m, rows.Err()
}

func (s *PostgresStore) scanMetric(row pgx.Row) (*model.Metric, error) {
	var m model.Metric
	var durationSec int64
	var status string
	var bountyS, stakeAmountS, baselineS string
	var winningSide *string

	err := row.Scan(&m.ID, &m.Submitter, &m.Coin, &m.ExpectedLossBp, &durationSec, &m.StartTime,
		&status, &bountyS, &stakeAmountS, &baselineS,
		&winningSide, &m.ActualLossBp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMetricNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Duration = time.Duration(durationSec) * time.Second
	m.Status = model.MetricStatus(status)
	m.Bounty, _ = decimal.NewFromString(bountyS)
	m.StakeAmount, _ = decimal.NewFromString(stakeAmountS)
	m.BaselinePrice, _ = decimal.NewFromString(baselineS)
	if winningSide != nil {
		side, err := model.ParseSide(*winningSide)
		if err != nil {
			return nil, err
		}
		m.WinningSide = &side
	}
	return &m, nil
}

func (s *PostgresStore) ListMetrics(ctx context.Context) ([]model.Metric, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, submitter, coin, expected_loss_bp, duration_seconds, start_time,
		        status, bounty::TEXT, stake_amount::TEXT, baseline_price::TEXT,
		        winning_side, actual_loss_bp
		 FROM metrics ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []model.Metric
	for rows.Next() {
		m, err := s.scanMetric(rows)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, *m)
	}
	return metrics, rows.Err()
}

func (s *PostgresStore) AppendStake(ctx context.Context, id uint64, side model.Side, stake model.Stake) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO stakes (metric_id, side, staker, staked_at)
		 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM metrics WHERE id = $1)`,
		id, side.String(), stake.Staker, stake.StakedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMetricNotFound
	}
	return nil
}

func (s *PostgresStore) MarkMetricResolved(ctx context.Context, id uint64, winner model.Side, actualLossBp int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE metrics SET status = $2, winning_side = $3, actual_loss_bp = $4
		 WHERE id = $1 AND status = $5`,
		id, string(model.MetricResolved), winner.String(), actualLossBp, string(model.MetricPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already resolved.
		var status string
		err := s.q.QueryRow(ctx, `SELECT status FROM metrics WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMetricNotFound
		}
		if err != nil {
			return err
		}
		return ErrMetricAlreadyResolved
	}
	return nil
}

// --- Coin→feed mapping & stake amount ---

func (s *PostgresStore) SetCoinFeed(ctx context.Context, coin, feedRef string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO coin_feeds (coin, feed_ref) VALUES ($1, $2)
		 ON CONFLICT (coin) DO UPDATE SET feed_ref = EXCLUDED.feed_ref`,
		coin, feedRef,
	)
	return err
}

func (s *PostgresStore) RemoveCoinFeed(ctx context.Context, coin string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM coin_feeds WHERE coin = $1`, coin)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCoinNotSupported
	}
	return nil
}

func (s *PostgresStore) GetCoinFeed(ctx context.Context, coin string) (string, error) {
	var feedRef string
	err := s.q.QueryRow(ctx,
		`SELECT feed_ref FROM coin_feeds WHERE coin = $1`, coin).Scan(&feedRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrCoinNotSupported, coin)
	}
	if err != nil {
		return "", err
	}
	return feedRef, nil
}

func (s *PostgresStore) SetStakeAmount(ctx context.Context, amount decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO engine_config (key, value) VALUES ('stake_amount', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		amount.String(),
	)
	return err
}

func (s *PostgresStore) GetStakeAmount(ctx context.Context) (decimal.Decimal, error) {
	var value string
	err := s.q.QueryRow(ctx,
		`SELECT value FROM engine_config WHERE key = 'stake_amount'`).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultStakeAmount, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stake amount %q: %w", value, err)
	}
	return amount, nil
}

// --- Audit stream ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_events (id, type, account, metric_id, side, amount, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.Type, e.Account, e.MetricID, e.Side,
		e.Amount.String(), e.Price.String(), e.Timestamp,
	)
	return err
}

// --- Unit of work ---

// Atomic runs fn inside a database transaction. A nested call joins the
// enclosing transaction.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
