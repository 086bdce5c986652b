// Package dispatch は購読者のコールバックURLへのWebhook配信を提供する。
// 配信は有界キューへの受け渡しのみで呼び出し元を待たせず、結果は購読者の配信履歴と
// メトリクスにのみ記録する。再送は行わず、取りこぼしは購読元の同期ワーカーが補完する。
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/security"
)

// userAgent はWebhook配信で送信するUser-Agent。
const userAgent = "fedblog/1.0"

// recordTimeout は配信結果の記録に使用するタイムアウト。
const recordTimeout = 5 * time.Second

// SubscriberStore は配信に必要な購読者の参照・記録インターフェース。
type SubscriberStore interface {
	ListActiveByCategory(ctx context.Context, categoryID string) ([]*model.Subscriber, error)
	RecordDeliveryResult(ctx context.Context, id string, deliveredAt time.Time, deliveryErr string) error
}

// Config はディスパッチャの設定を保持する。
type Config struct {
	SiteURL   string        // イベントのsiteUrlに設定する自インスタンスのURL
	Workers   int           // 配信ゴルーチン数
	QueueSize int           // キューの最大ジョブ数
	Timeout   time.Duration // 購読者1件あたりの配信タイムアウト
}

// job はキューに積まれる配信ジョブ。
type job struct {
	event      model.FederationEvent
	enqueuedAt time.Time
}

// Dispatcher はフェデレーションイベントを購読者へ配信する。
type Dispatcher struct {
	subscribers SubscriberStore
	guard       security.SSRFGuardService
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	cfg         Config
	client      *http.Client

	queue chan job

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	// baseCtx は配信中のリクエストの親コンテキスト。Shutdownの期限切れでキャンセルされる。
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// Startを呼ぶまでジョブはキューに蓄積されるのみで配信されない。
func NewDispatcher(
	subscribers SubscriberStore,
	guard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subscribers: subscribers,
		guard:       guard,
		metrics:     collector,
		logger:      logger,
		cfg:         cfg,
		client:      guard.NewSafeClient(cfg.Timeout),
		queue:       make(chan job, cfg.QueueSize),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
}

// Start は配信ゴルーチンを起動する。2回目以降の呼び出しは何もしない。
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.process(j)
			}
		}()
	}
	d.logger.Info("Webhookディスパッチャを開始しました",
		slog.Int("workers", d.cfg.Workers),
		slog.Int("queue_size", d.cfg.QueueSize),
	)
}

// Dispatch は記事のイベントを配信キューに積む。ブロックせず、エラーも返さない。
// キューが満杯または停止済みでジョブを破棄した場合はfalseを返す。
// 記事の内容は呼び出し時点のスナップショットとして配信される。
func (d *Dispatcher) Dispatch(event model.EventType, post *model.Post, categoryID string) bool {
	j := job{
		event: model.FederationEvent{
			Event:      event,
			Post:       model.NewPostSnapshot(post),
			CategoryID: categoryID,
			SiteURL:    d.cfg.SiteURL,
		},
		enqueuedAt: time.Now(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(j, "stopped")
		return false
	}

	select {
	case d.queue <- j:
		return true
	default:
		d.drop(j, "queue_full")
		return false
	}
}

func (d *Dispatcher) drop(j job, reason string) {
	d.metrics.RecordDispatchDropped()
	d.logger.Warn("配信ジョブを破棄しました",
		slog.String("event", string(j.event.Event)),
		slog.String("post_id", j.event.Post.ID),
		slog.String("category_id", j.event.CategoryID),
		slog.String("reason", reason),
	)
}

// Shutdown は新規ジョブの受付を停止し、キューに残ったジョブと配信中のリクエストの完了を待つ。
// ctxの期限が切れた場合は配信中のリクエストを打ち切り、ctxのエラーを返す。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancelBase()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelBase()
		d.logger.Info("Webhookディスパッチャを停止しました")
		return nil
	case <-ctx.Done():
		d.cancelBase()
		d.logger.Warn("配信中のWebhookを打ち切って停止しました")
		return ctx.Err()
	}
}

// process は1ジョブをカテゴリの有効な購読者全員へ並列に配信する。
// 購読者ごとに独立したタイムアウトを持ち、1件の失敗は他の配信に影響しない。
func (d *Dispatcher) process(j job) {
	// 停止の打ち切り後に残ったジョブは配信しない
	if d.baseCtx.Err() != nil {
		return
	}

	listCtx, cancel := context.WithTimeout(d.baseCtx, d.cfg.Timeout)
	subs, err := d.subscribers.ListActiveByCategory(listCtx, j.event.CategoryID)
	cancel()
	if err != nil {
		d.logger.Error("購読者の取得に失敗しました",
			slog.String("category_id", j.event.CategoryID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(j.event)
	if err != nil {
		d.logger.Error("イベントのエンコードに失敗しました",
			slog.String("post_id", j.event.Post.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *model.Subscriber) {
			defer wg.Done()
			d.deliver(s, j.event.Event, payload)
		}(sub)
	}
	wg.Wait()

	d.logger.Info("Webhook配信が完了しました",
		slog.String("event", string(j.event.Event)),
		slog.String("post_id", j.event.Post.ID),
		slog.String("category_id", j.event.CategoryID),
		slog.Int("subscribers", len(subs)),
		slog.Float64("duration_ms", float64(time.Since(j.enqueuedAt).Milliseconds())),
	)
}

// deliver は1購読者へイベントをPOSTし、結果を記録する。
func (d *Dispatcher) deliver(sub *model.Subscriber, event model.EventType, payload []byte) {
	start := time.Now()

	// 作成時に検証済みでも、送信直前に再検証する
	if err := d.guard.ValidateURL(sub.CallbackURL); err != nil {
		reason, _ := security.ReasonOf(err)
		d.logger.Warn("コールバックURLが拒否されたため配信をスキップしました",
			slog.String("subscriber_id", sub.ID),
			slog.String("callback_url", sub.CallbackURL),
			slog.String("reason", string(reason)),
		)
		d.metrics.RecordDelivery(metrics.ResultRejected)
		d.metrics.RecordURLRejection(string(reason))
		d.record(sub, start, err)
		return
	}

	err := d.post(sub.CallbackURL, event, payload)
	d.metrics.RecordDispatchLatency(time.Since(start))
	if err != nil {
		d.logger.Warn("Webhook配信に失敗しました",
			slog.String("subscriber_id", sub.ID),
			slog.String("callback_url", sub.CallbackURL),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		d.metrics.RecordDelivery(metrics.ResultFailure)
	} else {
		d.metrics.RecordDelivery(metrics.ResultSuccess)
	}
	d.record(sub, start, err)
}

// post はコールバックURLへペイロードを送信する。2xx以外はエラーとする。
func (d *Dispatcher) post(callbackURL string, event model.EventType, payload []byte) error {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Fedblog-Event", string(event))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()
	// コネクション再利用のため少量だけ読み捨てる
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("購読者がHTTPステータス %d を返しました", resp.StatusCode)
	}
	return nil
}

// record は配信結果を購読者に記録する。記録の失敗はログのみとする。
func (d *Dispatcher) record(sub *model.Subscriber, deliveredAt time.Time, deliveryErr error) {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, recordTimeout)
	defer cancel()
	if err := d.subscribers.RecordDeliveryResult(ctx, sub.ID, deliveredAt, msg); err != nil {
		d.logger.Error("配信結果の記録に失敗しました",
			slog.String("subscriber_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}
