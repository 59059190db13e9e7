package position_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/guard"
	"github.com/hedgemark/settlement-engine/internal/model"
	"github.com/hedgemark/settlement-engine/internal/oracle"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/position"
	"github.com/hedgemark/settlement-engine/internal/store"
)

const (
	testCoin = "BTC"
	testFeed = "feed-btc"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type testEnv struct {
	svc    *position.Service
	store  *store.MemoryStore
	oracle *oracle.StaticOracle
	router chi.Router
	now    time.Time
}

// newTestEnv wires a position Service against an in-memory store and a
// static oracle, both pinned to a fixed clock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ms := store.NewMemoryStore()
	if err := ms.SetCoinFeed(context.Background(), testCoin, testFeed); err != nil {
		t.Fatalf("failed to seed coin feed: %v", err)
	}

	so := oracle.NewStaticOracle(d(1))
	oc := oracle.NewClient(so)
	oc.SetClock(func() time.Time { return now })

	svc := position.NewService(ms, oc, payout.NewLedgerExecutor(), nil, guard.NewGate(), testCoin)
	svc.SetClock(func() time.Time { return now })

	r := chi.NewRouter()
	r.Post("/api/v1/positions/open", svc.OpenShort)
	r.Post("/api/v1/positions/close", svc.CloseShort)
	r.Get("/api/v1/positions/{account}", svc.ViewPnL)

	return &testEnv{svc: svc, store: ms, oracle: so, router: r, now: now}
}

func (e *testEnv) setPrice(t *testing.T, price decimal.Decimal) {
	t.Helper()
	e.oracle.SetPrice(testFeed, price, e.now)
}

func (e *testEnv) fund(t *testing.T, account string, amount decimal.Decimal) {
	t.Helper()
	if err := e.store.Credit(context.Background(), account, amount); err != nil {
		t.Fatalf("failed to fund %s: %v", account, err)
	}
}

func (e *testEnv) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	balance, err := e.store.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return balance
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openShort(t *testing.T, account string, amount decimal.Decimal) *httptest.ResponseRecorder {
	t.Helper()
	return e.post(t, "/api/v1/positions/open", position.OpenRequest{Account: account, Amount: amount})
}

func (e *testEnv) closeShort(t *testing.T, account string) *httptest.ResponseRecorder {
	t.Helper()
	return e.post(t, "/api/v1/positions/close", position.CloseRequest{Account: account})
}

// --- Open ---

func TestOpenShort(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))

	w := env.openShort(t, "alice", d(40))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.ShortPosition
	json.Unmarshal(w.Body.Bytes(), &pos)

	if !pos.Collateral.Equal(d(40)) {
		t.Errorf("collateral = %s, want 40", pos.Collateral)
	}
	if !pos.EntryPrice.Equal(d(50000)) {
		t.Errorf("entry price = %s, want 50000", pos.EntryPrice)
	}
	if !pos.Active {
		t.Error("position should be active")
	}
	if got := env.balance(t, "alice"); !got.Equal(d(60)) {
		t.Errorf("balance after open = %s, want 60", got)
	}
	if got := env.balance(t, store.TreasuryAccount); !got.Equal(d(40)) {
		t.Errorf("treasury after open = %s, want 40", got)
	}
}

func TestOpenShort_BelowMinimumCollateral(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))

	w := env.openShort(t, "alice", d(5))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("balance should be untouched, got %s", got)
	}
}

func TestOpenShort_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(20))

	w := env.openShort(t, "alice", d(50))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenShort_AlreadyActive(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))

	if w := env.openShort(t, "alice", d(40)); w.Code != http.StatusCreated {
		t.Fatalf("first open failed: %d %s", w.Code, w.Body.String())
	}
	w := env.openShort(t, "alice", d(40))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenShort_UnmappedCoin(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	if err := env.store.RemoveCoinFeed(context.Background(), testCoin); err != nil {
		t.Fatalf("failed to remove feed: %v", err)
	}

	w := env.openShort(t, "alice", d(40))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenShort_StalePrice(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.SetPrice(testFeed, d(50000), env.now.Add(-oracle.StalenessThreshold-time.Second))
	env.fund(t, "alice", d(100))

	w := env.openShort(t, "alice", d(40))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	// The debit rolled back with the rest.
	if got := env.balance(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("balance should be untouched, got %s", got)
	}
}

func TestOpenShort_PriceUpdateFee(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(41))

	update, _ := json.Marshal(oracle.StaticUpdate{Feed: testFeed, Price: d(50000), PublishTime: env.now})
	w := env.post(t, "/api/v1/positions/open", position.OpenRequest{
		Account:     "alice",
		Amount:      d(41),
		PriceUpdate: update,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.ShortPosition
	json.Unmarshal(w.Body.Bytes(), &pos)
	// The flat 1-unit fee is consumed; the remainder is collateral.
	if !pos.Collateral.Equal(d(40)) {
		t.Errorf("collateral = %s, want 40", pos.Collateral)
	}
}

// --- Close ---

func TestCloseShort_FlatPriceReturnsCollateral(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(40))

	w := env.closeShort(t, "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp position.CloseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.PnL.IsZero() {
		t.Errorf("pnl = %s, want 0", resp.PnL)
	}
	if !resp.Payout.Equal(d(40)) {
		t.Errorf("payout = %s, want collateral back", resp.Payout)
	}
	if got := env.balance(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("balance after flat close = %s, want 100", got)
	}
	if got := env.balance(t, store.TreasuryAccount); !got.IsZero() {
		t.Errorf("treasury after flat close = %s, want 0", got)
	}
}

func TestCloseShort_ProfitOnPriceDrop(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, decimal.NewFromInt(200000000000))
	env.fund(t, "alice", d(1000))
	env.fund(t, store.TreasuryAccount, d(1000))
	env.openShort(t, "alice", d(1000))

	env.setPrice(t, decimal.NewFromInt(190000000000))

	w := env.closeShort(t, "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp position.CloseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 5% drop is 500 basis points: pnl = 1000 * 500 / 10000 = 50.
	if !resp.PnLBp.Equal(d(500)) {
		t.Errorf("pnl bp = %s, want 500", resp.PnLBp)
	}
	if !resp.PnL.Equal(d(50)) {
		t.Errorf("pnl = %s, want 50", resp.PnL)
	}
	if !resp.Payout.Equal(d(1050)) {
		t.Errorf("payout = %s, want 1050", resp.Payout)
	}
}

func TestCloseShort_ProfitCapped(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.fund(t, store.TreasuryAccount, d(10000))
	env.openShort(t, "alice", d(100))

	// 99% drop: uncapped profit would be 9900 bp worth, far beyond the cap.
	env.setPrice(t, d(500))

	w := env.closeShort(t, "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp position.CloseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Payout caps at collateral + 200% of collateral.
	if !resp.Payout.Equal(d(300)) {
		t.Errorf("payout = %s, want capped 300", resp.Payout)
	}
}

func TestCloseShort_TotalLoss(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(100))

	// Price doubles: the short loses its entire collateral.
	env.setPrice(t, d(100000))

	w := env.closeShort(t, "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp position.CloseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Payout.IsZero() {
		t.Errorf("payout = %s, want 0", resp.Payout)
	}
	if got := env.balance(t, "alice"); !got.IsZero() {
		t.Errorf("balance = %s, want 0", got)
	}
	// Forfeited collateral stays in the treasury.
	if got := env.balance(t, store.TreasuryAccount); !got.Equal(d(100)) {
		t.Errorf("treasury = %s, want 100", got)
	}
}

func TestCloseShort_NoActivePosition(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))

	w := env.closeShort(t, "alice")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCloseShort_Twice(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(40))

	if w := env.closeShort(t, "alice"); w.Code != http.StatusOK {
		t.Fatalf("first close failed: %d %s", w.Code, w.Body.String())
	}
	w := env.closeShort(t, "alice")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second close, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCloseShort_ReopenAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(40))
	env.closeShort(t, "alice")

	w := env.openShort(t, "alice", d(40))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 on reopen, got %d: %s", w.Code, w.Body.String())
	}
}

// brokenStore wraps a Store and fails selected operations.
type brokenStore struct {
	store.Store
	positionErr error
	auditErr    error
}

func (b *brokenStore) GetActivePosition(ctx context.Context, account string) (*model.ShortPosition, error) {
	if b.positionErr != nil {
		return nil, b.positionErr
	}
	return b.Store.GetActivePosition(ctx, account)
}

func (b *brokenStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	if b.auditErr != nil {
		return b.auditErr
	}
	return b.Store.AppendAuditEvent(ctx, e)
}

func (b *brokenStore) Atomic(ctx context.Context, fn func(store.Store) error) error {
	return b.Store.Atomic(ctx, func(tx store.Store) error {
		return fn(&brokenStore{Store: tx, positionErr: b.positionErr, auditErr: b.auditErr})
	})
}

func (e *testEnv) brokenService(t *testing.T, broken *brokenStore) chi.Router {
	t.Helper()
	broken.Store = e.store
	svc := position.NewService(broken, oracleClient(e), payout.NewLedgerExecutor(), nil, guard.NewGate(), testCoin)
	svc.SetClock(func() time.Time { return e.now })
	r := chi.NewRouter()
	r.Post("/api/v1/positions/open", svc.OpenShort)
	return r
}

func TestOpenShort_StoreFailureIsNotTreatedAsAbsent(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))

	r := env.brokenService(t, &brokenStore{positionErr: errors.New("connection reset")})

	body, _ := json.Marshal(position.OpenRequest{Account: "alice", Amount: d(40)})
	req := httptest.NewRequest("POST", "/api/v1/positions/open", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	// The failed read must not be mistaken for "no active position".
	if _, err := env.store.GetActivePosition(context.Background(), "alice"); err == nil {
		t.Error("no position should have been created")
	}
	if got := env.balance(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("balance should be untouched, got %s", got)
	}
}

func TestOpenShort_FailedAuditAppendRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))

	r := env.brokenService(t, &brokenStore{auditErr: errors.New("audit table unavailable")})

	body, _ := json.Marshal(position.OpenRequest{Account: "alice", Amount: d(40)})
	req := httptest.NewRequest("POST", "/api/v1/positions/open", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := env.store.GetActivePosition(context.Background(), "alice"); err == nil {
		t.Error("position should have rolled back with the audit append")
	}
	if got := env.balance(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("balance should be untouched, got %s", got)
	}
}

// failingExecutor rejects every transfer.
type failingExecutor struct{}

func (failingExecutor) Transfer(context.Context, store.Store, string, decimal.Decimal) error {
	return fmt.Errorf("%w: ledger offline", payout.ErrTransferFailed)
}

func TestCloseShort_FailedPayoutRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(40))

	failing := position.NewService(env.store,
		oracleClient(env), failingExecutor{}, nil, guard.NewGate(), testCoin)
	failing.SetClock(func() time.Time { return env.now })

	r := chi.NewRouter()
	r.Post("/api/v1/positions/close", failing.CloseShort)

	body, _ := json.Marshal(position.CloseRequest{Account: "alice"})
	req := httptest.NewRequest("POST", "/api/v1/positions/close", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	// The deactivation rolled back with the failed transfer.
	pos, err := env.store.GetActivePosition(context.Background(), "alice")
	if err != nil {
		t.Fatalf("position should still be active: %v", err)
	}
	if !pos.Collateral.Equal(d(40)) {
		t.Errorf("collateral = %s, want 40", pos.Collateral)
	}
	if got := env.balance(t, store.TreasuryAccount); !got.Equal(d(40)) {
		t.Errorf("treasury = %s, want 40", got)
	}
}

func oracleClient(env *testEnv) *oracle.Client {
	oc := oracle.NewClient(env.oracle)
	oc.SetClock(func() time.Time { return env.now })
	return oc
}

// --- View ---

func TestViewPnL(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))
	env.fund(t, "alice", d(100))
	env.openShort(t, "alice", d(40))

	env.setPrice(t, d(45000))

	req := httptest.NewRequest("GET", "/api/v1/positions/alice", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp position.PnLResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 10% drop is 1000 bp: pnl = 40 * 1000 / 10000 = 4.
	if !resp.PnLBp.Equal(d(1000)) {
		t.Errorf("pnl bp = %s, want 1000", resp.PnLBp)
	}
	if !resp.PnL.Equal(d(4)) {
		t.Errorf("pnl = %s, want 4", resp.PnL)
	}

	// Viewing settles nothing.
	if _, err := env.store.GetActivePosition(context.Background(), "alice"); err != nil {
		t.Errorf("position should still be active: %v", err)
	}
}

func TestViewPnL_NoPosition(t *testing.T) {
	env := newTestEnv(t)
	env.setPrice(t, d(50000))

	req := httptest.NewRequest("GET", "/api/v1/positions/ghost", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}
