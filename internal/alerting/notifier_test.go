package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		At:       time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Severity: SeverityCritical,
		Kind:     "orphaned_exposure",
		MarketID: "m1",
		Title:    "demotion blocked by open exposure",
		Fields:   map[string]string{"from_tier": "3", "to_tier": "2"},
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"CRITICAL", "Market: m1", "from_tier: 3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text 应包含 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatal("非 2xx 应报错")
	}
}

func TestRenderMessageOrdersFields(t *testing.T) {
	msg := renderMessage(Notification{Title: "t", Fields: map[string]string{"b": "2", "a": "1"}})
	if strings.Index(msg, "a: 1") > strings.Index(msg, "b: 2") {
		t.Fatalf("fields should be sorted: %s", msg)
	}
	if !strings.HasPrefix(msg, "[markettiers WARNING] t") {
		t.Fatalf("default severity should be warning: %s", msg)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
