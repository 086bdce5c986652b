package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func TestFormatMessage_SortsFields(t *testing.T) {
	got := FormatMessage(EventSubscriberCreated, map[string]string{
		"category_id":  "c1",
		"callback_url": "https://b.example.com/inbox",
	})
	want := "[subscriber.created] callback_url=https://b.example.com/inbox category_id=c1"
	if got != want {
		t.Errorf("FormatMessage() = %q, want %q", got, want)
	}
}

func TestNopNotifier_ReturnsNil(t *testing.T) {
	if err := (NopNotifier{}).Notify(context.Background(), EventSubscriberCreated, nil); err != nil {
		t.Errorf("NopNotifier.Notify() = %v, want nil", err)
	}
}

func TestSlackNotifier_PostsText(t *testing.T) {
	var received slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("リクエストボディのデコードに失敗: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	n := NewSlackNotifier(server.URL, server.Client(), newTestLogger(&buf))

	err := n.Notify(context.Background(), EventRemoteSubscriptionReactivated, map[string]string{"site_url": "https://a.example.com"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if !strings.HasPrefix(received.Text, "[remote_subscription.reactivated]") {
		t.Errorf("text = %q", received.Text)
	}
	if !strings.Contains(received.Text, "site_url=https://a.example.com") {
		t.Errorf("text = %q, want to contain site_url", received.Text)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	n := NewSlackNotifier(server.URL, server.Client(), newTestLogger(&buf))

	if err := n.Notify(context.Background(), EventSubscriberDeactivated, nil); err == nil {
		t.Fatal("5xx応答でエラーが返るべき")
	}
	if !strings.Contains(buf.String(), "通知先がエラーを返しました") {
		t.Errorf("エラーログが出力されていません: %s", buf.String())
	}
}

func TestSlackNotifier_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	n := NewSlackNotifier(url, nil, newTestLogger(&buf))

	if err := n.Notify(context.Background(), EventSubscriberCreated, nil); err == nil {
		t.Fatal("接続できない場合はエラーが返るべき")
	}
}
