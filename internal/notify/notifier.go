// Package notify は購読ライフサイクルイベントの外部通知機能を提供する。
// フェデレーションのコアは通知先の実装を知らず、Notifierインターフェースのみに依存する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Event は通知イベントの種別。
type Event string

const (
	EventSubscriberCreated             Event = "subscriber.created"
	EventSubscriberDeactivated         Event = "subscriber.deactivated"
	EventRemoteSubscriptionCreated     Event = "remote_subscription.created"
	EventRemoteSubscriptionReactivated Event = "remote_subscription.reactivated"
	EventRemoteSubscriptionDeactivated Event = "remote_subscription.deactivated"
)

// defaultTimeout は通知リクエストのタイムアウト。
const defaultTimeout = 5 * time.Second

// Notifier は通知送信のインターフェース。
type Notifier interface {
	// Notify はイベントを通知する。呼び出し元はエラーをログに記録するのみで処理を継続する。
	Notify(ctx context.Context, event Event, fields map[string]string) error
}

// NopNotifier は何もしないNotifier。通知先が未設定の場合に使用する。
type NopNotifier struct{}

// Notify は何もせずnilを返す。
func (NopNotifier) Notify(context.Context, Event, map[string]string) error {
	return nil
}

// SlackNotifier はSlack互換のIncoming Webhookへ通知を送信する。
type SlackNotifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	webhookURL string
}

// NewSlackNotifier はSlackNotifierの新しいインスタンスを生成する。
// httpClientがnilの場合はタイムアウト5秒のクライアントを使用する。
func NewSlackNotifier(webhookURL string, httpClient *http.Client, logger *slog.Logger) *SlackNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &SlackNotifier{
		httpClient: httpClient,
		logger:     logger,
		webhookURL: webhookURL,
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// Notify はイベントを {"text": "[event] key=value ..."} 形式でPOSTする。
func (n *SlackNotifier) Notify(ctx context.Context, event Event, fields map[string]string) error {
	body, err := json.Marshal(slackMessage{Text: FormatMessage(event, fields)})
	if err != nil {
		return fmt.Errorf("通知メッセージのエンコードに失敗しました: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("通知の送信に失敗しました",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Error("通知先がエラーを返しました",
			slog.String("event", string(event)),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("通知先がエラーを返しました: status %d", resp.StatusCode)
	}

	n.logger.Debug("通知を送信しました", slog.String("event", string(event)))
	return nil
}

// FormatMessage は通知本文を組み立てる。フィールドはキーの昇順に並べる。
func FormatMessage(event Event, fields map[string]string) string {
	keys := lo.Keys(fields)
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(event))
	b.WriteString("]")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fields[k])
	}
	return b.String()
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*SlackNotifier)(nil)
)
