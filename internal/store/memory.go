package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// DefaultStakeAmount is the per-stake escrow used until the owner
// configures another value.
var DefaultStakeAmount = decimal.NewFromInt(10)

// memState holds all in-memory records. Methods on memState do no locking;
// MemoryStore serializes access, and a transactional view operates on the
// state directly while the store lock is held.
type memState struct {
	balances     map[string]decimal.Decimal
	positions    map[string]*model.ShortPosition
	metrics      map[uint64]*model.Metric
	nextMetricID uint64
	coinFeeds    map[string]string
	stakeAmount  decimal.Decimal
	audit        []model.AuditEvent
}

func newMemState() memState {
	return memState{
		balances:     make(map[string]decimal.Decimal),
		positions:    make(map[string]*model.ShortPosition),
		metrics:      make(map[uint64]*model.Metric),
		nextMetricID: 1,
		coinFeeds:    make(map[string]string),
		stakeAmount:  DefaultStakeAmount,
	}
}

// clone deep-copies the state for rollback.
func (st *memState) clone() memState {
	c := memState{
		balances:     make(map[string]decimal.Decimal, len(st.balances)),
		positions:    make(map[string]*model.ShortPosition, len(st.positions)),
		metrics:      make(map[uint64]*model.Metric, len(st.metrics)),
		nextMetricID: st.nextMetricID,
		coinFeeds:    make(map[string]string, len(st.coinFeeds)),
		stakeAmount:  st.stakeAmount,
		audit:        append([]model.AuditEvent(nil), st.audit...),
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.positions {
		p := *v
		c.positions[k] = &p
	}
	for k, v := range st.metrics {
		c.metrics[k] = copyMetric(v)
	}
	for k, v := range st.coinFeeds {
		c.coinFeeds[k] = v
	}
	return c
}

func copyMetric(m *model.Metric) *model.Metric {
	c := *m
	c.StakesFor = append([]model.Stake(nil), m.StakesFor...)
	c.StakesAgainst = append([]model.Stake(nil), m.StakesAgainst...)
	if m.WinningSide != nil {
		side := *m.WinningSide
		c.WinningSide = &side
	}
	if m.ActualLossBp != nil {
		bp := *m.ActualLossBp
		c.ActualLossBp = &bp
	}
	return &c
}

// --- Unlocked operations ---

func (st *memState) credit(account string, amount decimal.Decimal) error {
	st.balances[account] = st.balances[account].Add(amount)
	return nil
}

func (st *memState) debit(account string, amount decimal.Decimal) error {
	balance := st.balances[account]
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	st.balances[account] = balance.Sub(amount)
	return nil
}

func (st *memState) getBalance(account string) decimal.Decimal {
	return st.balances[account]
}

func (st *memState) createPosition(p *model.ShortPosition) error {
	if existing, ok := st.positions[p.Account]; ok && existing.Active {
		return ErrActivePositionExists
	}
	posCopy := *p
	st.positions[p.Account] = &posCopy
	return nil
}

func (st *memState) getActivePosition(account string) (*model.ShortPosition, error) {
	p, ok := st.positions[account]
	if !ok || !p.Active {
		return nil, ErrNoActivePosition
	}
	posCopy := *p
	return &posCopy, nil
}

func (st *memState) deactivatePosition(account string) error {
	p, ok := st.positions[account]
	if !ok || !p.Active {
		return ErrNoActivePosition
	}
	p.Active = false
	return nil
}

func (st *memState) createMetric(m *model.Metric) error {
	m.ID = st.nextMetricID
	st.nextMetricID++
	st.metrics[m.ID] = copyMetric(m)
	return nil
}

func (st *memState) getMetric(id uint64) (*model.Metric, error) {
	m, ok := st.metrics[id]
	if !ok {
		return nil, ErrMetricNotFound
	}
	return copyMetric(m), nil
}

func (st *memState) listMetrics() []model.Metric {
	metrics := make([]model.Metric, 0, len(st.metrics))
	for _, m := range st.metrics {
		c := *m
		c.StakesFor, c.StakesAgainst = nil, nil
		metrics = append(metrics, c)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].ID > metrics[j].ID })
	return metrics
}

func (st *memState) appendStake(id uint64, side model.Side, stake model.Stake) error {
	m, ok := st.metrics[id]
	if !ok {
		return ErrMetricNotFound
	}
	if side == model.SideFor {
		m.StakesFor = append(m.StakesFor, stake)
	} else {
		m.StakesAgainst = append(m.StakesAgainst, stake)
	}
	return nil
}

func (st *memState) markMetricResolved(id uint64, winner model.Side, actualLossBp int64) error {
	m, ok := st.metrics[id]
	if !ok {
		return ErrMetricNotFound
	}
	if m.Status != model.MetricPending {
		return ErrMetricAlreadyResolved
	}
	m.Status = model.MetricResolved
	m.WinningSide = &winner
	m.ActualLossBp = &actualLossBp
	return nil
}

func (st *memState) setCoinFeed(coin, feedRef string) error {
	st.coinFeeds[coin] = feedRef
	return nil
}

func (st *memState) removeCoinFeed(coin string) error {
	if _, ok := st.coinFeeds[coin]; !ok {
		return ErrCoinNotSupported
	}
	delete(st.coinFeeds, coin)
	return nil
}

func (st *memState) getCoinFeed(coin string) (string, error) {
	feed, ok := st.coinFeeds[coin]
	if !ok {
		return "", ErrCoinNotSupported
	}
	return feed, nil
}

func (st *memState) appendAuditEvent(e *model.AuditEvent) error {
	st.audit = append(st.audit, *e)
	return nil
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.Mutex
	st memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (s *MemoryStore) Credit(_ context.Context, account string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.credit(account, amount)
}

func (s *MemoryStore) Debit(_ context.Context, account string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.debit(account, amount)
}

func (s *MemoryStore) GetBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getBalance(account), nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.ShortPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createPosition(p)
}

func (s *MemoryStore) GetActivePosition(_ context.Context, account string) (*model.ShortPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getActivePosition(account)
}

func (s *MemoryStore) DeactivatePosition(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deactivatePosition(account)
}

func (s *MemoryStore) CreateMetric(_ context.Context, m *model.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createMetric(m)
}

func (s *MemoryStore) GetMetric(_ context.Context, id uint64) (*model.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getMetric(id)
}

func (s *MemoryStore) ListMetrics(_ context.Context) ([]model.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listMetrics(), nil
}

func (s *MemoryStore) AppendStake(_ context.Context, id uint64, side model.Side, stake model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendStake(id, side, stake)
}

func (s *MemoryStore) MarkMetricResolved(_ context.Context, id uint64, winner model.Side, actualLossBp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.markMetricResolved(id, winner, actualLossBp)
}

func (s *MemoryStore) SetCoinFeed(_ context.Context, coin, feedRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.setCoinFeed(coin, feedRef)
}

func (s *MemoryStore) RemoveCoinFeed(_ context.Context, coin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.removeCoinFeed(coin)
}

func (s *MemoryStore) GetCoinFeed(_ context.Context, coin string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getCoinFeed(coin)
}

func (s *MemoryStore) SetStakeAmount(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.stakeAmount = amount
	return nil
}

func (s *MemoryStore) GetStakeAmount(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.stakeAmount, nil
}

func (s *MemoryStore) AppendAuditEvent(_ context.Context, e *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendAuditEvent(e)
}

// AuditEvents returns a copy of the audit stream. Test helper; the stream
// is append-only and not part of the Store interface's queryable surface.
func (s *MemoryStore) AuditEvents() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.st.audit...)
}

// Atomic snapshots the state, runs fn against an unlocked transactional
// view, and restores the snapshot if fn fails. The store lock is held for
// the whole call, so the transaction observes and produces a consistent
// state.
func (s *MemoryStore) Atomic(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memoryTx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// memoryTx is the transactional view handed to Atomic callbacks. It
// operates on the live state without locking (the MemoryStore lock is
// already held) and must not escape the callback.
type memoryTx struct {
	st *memState
}

func (t *memoryTx) Credit(_ context.Context, account string, amount decimal.Decimal) error {
	return t.st.credit(account, amount)
}

func (t *memoryTx) Debit(_ context.Context, account string, amount decimal.Decimal) error {
	return t.st.debit(account, amount)
}

func (t *memoryTx) GetBalance(_ context.Context, account string) (decimal.Decimal, error) {
	return t.st.getBalance(account), nil
}

func (t *memoryTx) CreatePosition(_ context.Context, p *model.ShortPosition) error {
	return t.st.createPosition(p)
}

func (t *memoryTx) GetActivePosition(_ context.Context, account string) (*model.ShortPosition, error) {
	return t.st.getActivePosition(account)
}

func (t *memoryTx) DeactivatePosition(_ context.Context, account string) error {
	return t.st.deactivatePosition(account)
}

func (t *memoryTx) CreateMetric(_ context.Context, m *model.Metric) error {
	return t.st.createMetric(m)
}

func (t *memoryTx) GetMetric(_ context.Context, id uint64) (*model.Metric, error) {
	return t.st.getMetric(id)
}

func (t *memoryTx) ListMetrics(_ context.Context) ([]model.Metric, error) {
	return t.st.listMetrics(), nil
}

func (t *memoryTx) AppendStake(_ context.Context, id uint64, side model.Side, stake model.Stake) error {
	return t.st.appendStake(id, side, stake)
}

func (t *memoryTx) MarkMetricResolved(_ context.Context, id uint64, winner model.Side, actualLossBp int64) error {
	return t.st.markMetricResolved(id, winner, actualLossBp)
}

func (t *memoryTx) SetCoinFeed(_ context.Context, coin, feedRef string) error {
	return t.st.setCoinFeed(coin, feedRef)
}

func (t *memoryTx) RemoveCoinFeed(_ context.Context, coin string) error {
	return t.st.removeCoinFeed(coin)
}

func (t *memoryTx) GetCoinFeed(_ context.Context, coin string) (string, error) {
	return t.st.getCoinFeed(coin)
}

func (t *memoryTx) SetStakeAmount(_ context.Context, amount decimal.Decimal) error {
	t.st.stakeAmount = amount
	return nil
}

func (t *memoryTx) GetStakeAmount(_ context.Context) (decimal.Decimal, error) {
	return t.st.stakeAmount, nil
}

func (t *memoryTx) AppendAuditEvent(_ context.Context, e *model.AuditEvent) error {
	return t.st.appendAuditEvent(e)
}

// Atomic on an already-transactional view joins the enclosing transaction.
func (t *memoryTx) Atomic(_ context.Context, fn func(Store) error) error {
	return fn(t)
}
