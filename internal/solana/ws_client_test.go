package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"yield-vault/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer upgrades each connection and hands it to serve.
func wsServer(t *testing.T, serve func(c *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		serve(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWSClient_Connect(t *testing.T) {
	url := wsServer(t, drain)

	client, err := NewWSClient(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.closed.Load() {
		t.Error("client should not be closed")
	}
}

func TestWSClient_SubscribeAccount(t *testing.T) {
	vault := domain.Address{0x0A}
	program := domain.Address{0x0B}

	url := wsServer(t, func(c *websocket.Conn) {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "accountSubscribe" {
			t.Errorf("expected accountSubscribe, got %s", req.Method)
		}
		if len(req.Params) == 0 || req.Params[0] != vault.String() {
			t.Errorf("unexpected params: %v", req.Params)
		}

		c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 0})

		time.Sleep(20 * time.Millisecond)
		notification := func(slot uint64, value any) map[string]any {
			return map[string]any{
				"jsonrpc": "2.0",
				"method":  "accountNotification",
				"params": map[string]any{
					"subscription": 0,
					"result": map[string]any{
						"context": map[string]any{"slot": slot},
						"value":   value,
					},
				},
			}
		}
		c.WriteJSON(notification(100, map[string]any{
			"lamports":   uint64(3556560),
			"owner":      program.String(),
			"data":       []string{"AQID", "base64"},
			"executable": false,
			"rentEpoch":  uint64(0),
		}))
		c.WriteJSON(notification(101, map[string]any{
			"lamports":   uint64(0),
			"owner":      domain.SystemProgramID.String(),
			"data":       []string{"", "base64"},
			"executable": false,
			"rentEpoch":  uint64(0),
		}))
		drain(c)
	})

	client, err := NewWSClient(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := client.SubscribeAccount(ctx, vault)
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	select {
	case n := <-ch:
		if n.Address != vault || n.Slot != 100 {
			t.Errorf("unexpected notification: %+v", n)
		}
		if n.Account == nil || n.Account.Owner != program || len(n.Account.Data) != 3 {
			t.Errorf("unexpected account: %+v", n.Account)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for notification")
	}

	select {
	case n := <-ch:
		if n.Slot != 101 || n.Account != nil {
			t.Errorf("expected closed account at slot 101, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for close notification")
	}
}

func accountNotificationMsg(subID, slot uint64) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "accountNotification",
		"params": map[string]any{
			"subscription": subID,
			"result": map[string]any{
				"context": map[string]any{"slot": slot},
				"value":   nil,
			},
		},
	}
}

// answerSubscribes confirms each accountSubscribe with firstID, firstID+1, ...
// and sends one notification right behind every confirmation.
func answerSubscribes(t *testing.T, c *websocket.Conn, firstID uint64) {
	subID := firstID
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": subID})
		c.WriteJSON(accountNotificationMsg(subID, 100+subID))
		subID++
	}
}

func TestWSClient_NotificationRightAfterConfirmation(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn) { answerSubscribes(t, c, 1) })

	client, err := NewWSClient(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 20; i++ {
		addr := domain.Address{byte(i)}
		ch, err := client.SubscribeAccount(ctx, addr)
		if err != nil {
			t.Fatalf("SubscribeAccount %d: %v", i, err)
		}
		select {
		case n := <-ch:
			if n.Address != addr || n.Slot != uint64(100+i) {
				t.Errorf("subscription %d: unexpected notification %+v", i, n)
			}
		case <-ctx.Done():
			t.Fatalf("subscription %d: notification lost", i)
		}
	}
}

func TestWSClient_ResubscribesAfterReconnect(t *testing.T) {
	var conns atomic.Int32
	url := wsServer(t, func(c *websocket.Conn) {
		if conns.Add(1) == 1 {
			// Confirm, then drop the connection.
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			json.Unmarshal(msg, &req)
			c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 1})
			return
		}
		// The new connection hands out different ids.
		answerSubscribes(t, c, 7)
	})

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	client, err := NewWSClient(context.Background(), url, &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := client.SubscribeAccount(ctx, domain.Address{0x0A})
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	select {
	case n := <-ch:
		if n.Slot != 107 {
			t.Errorf("expected notification for resubscription at slot 107, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("no notification after reconnect")
	}
}

func TestWSClient_SubscribeTimeout(t *testing.T) {
	url := wsServer(t, drain)

	cfg := DefaultWSConfig()
	cfg.SubscribeTimeout = 50 * time.Millisecond
	client, err := NewWSClient(context.Background(), url, &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if _, err := client.SubscribeAccount(context.Background(), domain.Address{0x01}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWSClient_Close(t *testing.T) {
	url := wsServer(t, drain)

	client, err := NewWSClient(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !client.closed.Load() {
		t.Error("client should be closed")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	_, err = client.SubscribeAccount(context.Background(), domain.Address{0x01})
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestWSClient_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := NewWSClient(ctx, "ws://127.0.0.1:1", nil); err == nil {
		t.Fatal("expected dial error")
	}
}
