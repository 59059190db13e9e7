package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot reads: metrics, balances, and the coin→feed mapping.
// Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Balances (write-through + invalidate) ---

func (s *CachedStore) Credit(ctx context.Context, account string, amount decimal.Decimal) error {
	if err := s.primary.Credit(ctx, account, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(account))
	return nil
}

func (s *CachedStore) Debit(ctx context.Context, account string, amount decimal.Decimal) error {
	if err := s.primary.Debit(ctx, account, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(account))
	return nil
}

func (s *CachedStore) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	if s.ttl > 0 {
		if raw, err := s.rdb.Get(ctx, balanceKey(account)).Result(); err == nil {
			if balance, err := decimal.NewFromString(raw); err == nil {
				return balance, nil
			}
		}
	}

	balance, err := s.primary.GetBalance(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	if s.ttl > 0 {
		s.rdb.Set(ctx, balanceKey(account), balance.String(), s.ttl)
	}
	return balance, nil
}

// --- Positions (passthrough; every read feeds live settlement math) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.ShortPosition) error {
	return s.primary.CreatePosition(ctx, p)
}

func (s *CachedStore) GetActivePosition(ctx context.Context, account string) (*model.ShortPosition, error) {
	return s.primary.GetActivePosition(ctx, account)
}

func (s *CachedStore) DeactivatePosition(ctx context.Context, account string) error {
	return s.primary.DeactivatePosition(ctx, account)
}

// --- Metrics (read-through) ---

func (s *CachedStore) CreateMetric(ctx context.Context, m *model.Metric) error {
	return s.primary.CreateMetric(ctx, m)
}

func (s *CachedStore) GetMetric(ctx context.Context, id uint64) (*model.Metric, error) {
	if s.ttl > 0 {
		if data, err := s.rdb.Get(ctx, metricKey(id)).Bytes(); err == nil {
			var m model.Metric
			if json.Unmarshal(data, &m) == nil {
				return &m, nil
			}
		}
	}

	m, err := s.primary.GetMetric(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		if data, err := json.Marshal(m); err == nil {
			s.rdb.Set(ctx, metricKey(id), data, s.ttl)
		}
	}
	return m, nil
}

func (s *CachedStore) ListMetrics(ctx context.Context) ([]model.Metric, error) {
	return s.primary.ListMetrics(ctx)
}

func (s *CachedStore) AppendStake(ctx context.Context, id uint64, side model.Side, stake model.Stake) error {
	if err := s.primary.AppendStake(ctx, id, side, stake); err != nil {
		return err
	}
	s.rdb.Del(ctx, metricKey(id))
	return nil
}

func (s *CachedStore) MarkMetricResolved(ctx context.Context, id uint64, winner model.Side, actualLossBp int64) error {
	if err := s.primary.MarkMetricResolved(ctx, id, winner, actualLossBp); err != nil {
		return err
	}
	s.rdb.Del(ctx, metricKey(id))
	return nil
}

// --- Coin feeds & stake amount (read-through) ---

func (s *CachedStore) SetCoinFeed(ctx context.Context, coin, feedRef string) error {
	if err := s.primary.SetCoinFeed(ctx, coin, feedRef); err != nil {
		return err
	}
	s.rdb.Del(ctx, coinKey(coin))
	return nil
}

func (s *CachedStore) RemoveCoinFeed(ctx context.Context, coin string) error {
	if err := s.primary.RemoveCoinFeed(ctx, coin); err != nil {
		return err
	}
	s.rdb.Del(ctx, coinKey(coin))
	return nil
}

func (s *CachedStore) GetCoinFeed(ctx context.Context, coin string) (string, error) {
	if s.ttl > 0 {
		if feedRef, err := s.rdb.Get(ctx, coinKey(coin)).Result(); err == nil {
			return feedRef, nil
		}
	}

	feedRef, err := s.primary.GetCoinFeed(ctx, coin)
	if err != nil {
		return "", err
	}
	if s.ttl > 0 {
		s.rdb.Set(ctx, coinKey(coin), feedRef, s.ttl)
	}
	return feedRef, nil
}

func (s *CachedStore) SetStakeAmount(ctx context.Context, amount decimal.Decimal) error {
	if err := s.primary.SetStakeAmount(ctx, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, stakeAmountKey)
	return nil
}

func (s *CachedStore) GetStakeAmount(ctx context.Context) (decimal.Decimal, error) {
	if s.ttl > 0 {
		if raw, err := s.rdb.Get(ctx, stakeAmountKey).Result(); err == nil {
			if amount, err := decimal.NewFromString(raw); err == nil {
				return amount, nil
			}
		}
	}

	amount, err := s.primary.GetStakeAmount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if s.ttl > 0 {
		s.rdb.Set(ctx, stakeAmountKey, amount.String(), s.ttl)
	}
	return amount, nil
}

// --- Audit stream (passthrough) ---

func (s *CachedStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	return s.primary.AppendAuditEvent(ctx, e)
}

// --- Unit of work ---

// Atomic delegates to the primary store's transaction. Reads inside the
// transaction bypass the cache (ttl=0 view) so settlement decisions always
// see transactional state; writes still invalidate so later reads miss.
func (s *CachedStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.primary.Atomic(ctx, func(tx Store) error {
		return fn(&CachedStore{primary: tx, rdb: s.rdb, ttl: 0})
	})
}

// --- Cache keys ---

const stakeAmountKey = "config:stake_amount"

func balanceKey(account string) string { return fmt.Sprintf("balance:%s", account) }
func metricKey(id uint64) string       { return fmt.Sprintf("metric:%d", id) }
func coinKey(coin string) string       { return fmt.Sprintf("coinfeed:%s", coin) }
