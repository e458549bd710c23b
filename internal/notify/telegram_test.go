package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"futures-screener/internal/config"
)

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func newTestTelegram(t *testing.T, baseURL string) *Telegram {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewTelegram(config.TelegramConfig{Token: "TESTTOKEN", APIBaseURL: baseURL}, logger)
}

func TestSendTextChunksLongMessages(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		msgs []sentMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTESTTOKEN/sendMessage" {
			t.Errorf("path = %s, want /botTESTTOKEN/sendMessage", r.URL.Path)
		}
		var m sentMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := newTestTelegram(t, srv.URL)
	text := strings.Repeat("a", telegramMessageLimit+100)
	if err := tg.SendText(context.Background(), 42, text); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 2 {
		t.Fatalf("posted %d messages, want 2", len(msgs))
	}
	if msgs[0].ChatID != 42 || msgs[1].ChatID != 42 {
		t.Errorf("chat ids = %d, %d, want 42 for both", msgs[0].ChatID, msgs[1].ChatID)
	}
	if len(msgs[0].Text) != telegramMessageLimit || len(msgs[1].Text) != 100 {
		t.Errorf("chunk lengths = %d, %d, want %d and 100", len(msgs[0].Text), len(msgs[1].Text), telegramMessageLimit)
	}
}

func TestSendDeliversNotificationText(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got sentMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := newTestTelegram(t, srv.URL)
	n := Notification{
		AlertID: "deadbeef",
		Text:    "Alert: price > 5 300\nMatched: BTCUSDT",
	}
	if err := tg.Send(context.Background(), 7, n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ChatID != 7 {
		t.Errorf("chat id = %d, want 7", got.ChatID)
	}
	if got.Text != n.Text {
		t.Errorf("text = %q, want %q", got.Text, n.Text)
	}
}

func TestSendTextReportsErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg := newTestTelegram(t, srv.URL)
	err := tg.SendText(context.Background(), 42, "hi")
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error = %v, want the status in the message", err)
	}
}
