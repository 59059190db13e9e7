package audit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/audit"
	"github.com/hedgemark/settlement-engine/internal/model"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := audit.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	live := dial(t, srv)
	defer live.Close()

	// A dead client in the set exercises the failed-write removal path; it
	// must not stall delivery to the live one.
	dead := dial(t, srv)
	dead.Close()

	event := model.AuditEvent{
		ID:        "evt-1",
		Type:      model.EventShortOpened,
		Account:   "alice",
		Amount:    decimal.NewFromInt(40),
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Now().UTC(),
	}

	// Registration races the first broadcast, so keep sending until the
	// live client sees a message.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Broadcast(event)
			}
		}
	}()

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := live.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var got model.AuditEvent
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ID != event.ID || got.Type != event.Type || got.Account != event.Account {
		t.Errorf("event = %+v, want %+v", got, event)
	}
}
