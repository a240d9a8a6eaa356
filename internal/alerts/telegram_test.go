package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/config"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), 123, "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingToken(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), 123, "hello"); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), 123, "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != float64(123) {
		t.Fatalf("expected chat_id 123, got %v", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %v", gotPayload["text"])
	}
}

func TestTelegramSendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), 999, "hello")
	if err == nil {
		t.Fatalf("expected api error")
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	var gotOffset, gotTimeout string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		gotTimeout = r.URL.Query().Get("timeout")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":[
			{"update_id":42,"message":{"message_id":1,"from":{"id":7,"username":"trader"},"chat":{"id":7},"text":"/status"}},
			{"update_id":43}
		]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 42, 25*time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if gotOffset != "42" || gotTimeout != "25" {
		t.Fatalf("unexpected query offset=%q timeout=%q", gotOffset, gotTimeout)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	msg := updates[0].Message
	if updates[0].UpdateID != 42 || msg == nil || msg.Text != "/status" || msg.From.ID != 7 || msg.Chat.ID != 7 {
		t.Fatalf("unexpected first update %+v", updates[0])
	}
	if updates[1].Message != nil {
		t.Fatalf("expected nil message on bare update")
	}
}

func TestClientTimeoutCoversPollInterval(t *testing.T) {
	if got := clientTimeout(0); got != 40*time.Second {
		t.Fatalf("expected 40s floor, got %v", got)
	}
	if got := clientTimeout(3 * time.Second); got != 40*time.Second {
		t.Fatalf("expected 40s floor for short polls, got %v", got)
	}
	if got := clientTimeout(90 * time.Second); got != 100*time.Second {
		t.Fatalf("expected poll interval plus slack, got %v", got)
	}
	client := NewTelegram(config.TelegramConfig{Enabled: true, Token: "token", PollInterval: 90 * time.Second}, zap.NewNop())
	if client.client.Timeout <= 90*time.Second {
		t.Fatalf("http timeout %v does not cover a 90s long poll", client.client.Timeout)
	}
}

func TestTelegramGetUpdatesDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	updates, err := client.GetUpdates(context.Background(), 0, time.Second)
	if err != nil || updates != nil {
		t.Fatalf("disabled transport must return nothing, got %v %v", updates, err)
	}
}
