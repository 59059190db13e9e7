package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/admin"
	"github.com/hedgemark/settlement-engine/internal/guard"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/store"
)

const ownerToken = "test-owner-token"

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := admin.NewService(ms, payout.NewLedgerExecutor(), nil, guard.NewGate(), ownerToken)

	r := chi.NewRouter()
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(svc.RequireOwner)
		r.Put("/coins/{coin}", svc.SetCoin)
		r.Delete("/coins/{coin}", svc.RemoveCoin)
		r.Put("/stake-amount", svc.SetStakeAmount)
		r.Get("/treasury", svc.Treasury)
		r.Post("/withdraw", svc.Withdraw)
	})
	return ms, r
}

func do(t *testing.T, r chi.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Owner-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireOwner(t *testing.T) {
	_, r := newTestEnv(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"correct token", ownerToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, "GET", "/api/v1/admin/treasury", tc.token, nil)
			if w.Code != tc.want {
				t.Errorf("got %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestSetAndRemoveCoin(t *testing.T) {
	ms, r := newTestEnv(t)

	w := do(t, r, "PUT", "/api/v1/admin/coins/SOL", ownerToken, admin.SetCoinRequest{FeedRef: "feed-sol"})
	if w.Code != http.StatusOK {
		t.Fatalf("set coin failed: %d %s", w.Code, w.Body.String())
	}
	feed, err := ms.GetCoinFeed(context.Background(), "SOL")
	if err != nil || feed != "feed-sol" {
		t.Fatalf("feed = %q, %v; want feed-sol", feed, err)
	}

	w = do(t, r, "DELETE", "/api/v1/admin/coins/SOL", ownerToken, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove coin failed: %d %s", w.Code, w.Body.String())
	}
	if _, err := ms.GetCoinFeed(context.Background(), "SOL"); err == nil {
		t.Error("feed should be gone")
	}
}

func TestSetStakeAmount(t *testing.T) {
	ms, r := newTestEnv(t)

	w := do(t, r, "PUT", "/api/v1/admin/stake-amount", ownerToken, admin.StakeAmountRequest{Amount: d(25)})
	if w.Code != http.StatusOK {
		t.Fatalf("set stake amount failed: %d %s", w.Code, w.Body.String())
	}
	amount, err := ms.GetStakeAmount(context.Background())
	if err != nil || !amount.Equal(d(25)) {
		t.Fatalf("stake amount = %s, %v; want 25", amount, err)
	}

	w = do(t, r, "PUT", "/api/v1/admin/stake-amount", ownerToken, admin.StakeAmountRequest{Amount: d(0)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", w.Code)
	}
}

func TestWithdraw(t *testing.T) {
	ms, r := newTestEnv(t)
	ms.Credit(context.Background(), store.TreasuryAccount, d(100))

	w := do(t, r, "POST", "/api/v1/admin/withdraw", ownerToken, admin.WithdrawRequest{
		Recipient: "owner",
		Amount:    d(30),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw failed: %d %s", w.Code, w.Body.String())
	}

	balance, _ := ms.GetBalance(context.Background(), "owner")
	if !balance.Equal(d(30)) {
		t.Errorf("owner balance = %s, want 30", balance)
	}
	treasury, _ := ms.GetBalance(context.Background(), store.TreasuryAccount)
	if !treasury.Equal(d(70)) {
		t.Errorf("treasury = %s, want 70", treasury)
	}
}

func TestWithdraw_ZeroDrainsAll(t *testing.T) {
	ms, r := newTestEnv(t)
	ms.Credit(context.Background(), store.TreasuryAccount, d(100))

	w := do(t, r, "POST", "/api/v1/admin/withdraw", ownerToken, admin.WithdrawRequest{Recipient: "owner"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw failed: %d %s", w.Code, w.Body.String())
	}

	var resp admin.WithdrawResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Amount.Equal(d(100)) {
		t.Errorf("withdrawn = %s, want 100", resp.Amount)
	}
	treasury, _ := ms.GetBalance(context.Background(), store.TreasuryAccount)
	if !treasury.IsZero() {
		t.Errorf("treasury = %s, want 0", treasury)
	}
}

func TestWithdraw_OverTreasuryBalance(t *testing.T) {
	ms, r := newTestEnv(t)
	ms.Credit(context.Background(), store.TreasuryAccount, d(10))

	w := do(t, r, "POST", "/api/v1/admin/withdraw", ownerToken, admin.WithdrawRequest{
		Recipient: "owner",
		Amount:    d(50),
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	// Nothing moved.
	treasury, _ := ms.GetBalance(context.Background(), store.TreasuryAccount)
	if !treasury.Equal(d(10)) {
		t.Errorf("treasury = %s, want 10", treasury)
	}
}
