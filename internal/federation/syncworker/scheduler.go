// Package syncworker はリモート購読のプル型同期を提供する。
// プッシュ配信の取りこぼしを補完する照合ループであり、スケジューラ、
// 購読ごとの同期処理、同期状態の遷移を含む。
package syncworker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/notify"
)

// Ticker は定期実行のティッカー。テストで任意のタイミングに発火させるために抽象化する。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory は指定間隔のTickerを生成する。
type TickerFactory func(interval time.Duration) Ticker

// timeTicker はtime.TickerによるTicker実装。
type timeTicker struct {
	t *time.Ticker
}

func (t *timeTicker) C() <-chan time.Time { return t.t.C }
func (t *timeTicker) Stop() { t.t.Stop() }

// NewTimeTicker はtime.Tickerを使用するTickerを生成する。
func NewTimeTicker(interval time.Duration) Ticker {
	return &timeTicker{t: time.NewTicker(interval)}
}

// SubscriptionSyncer は1件のリモート購読を同期するインターフェース。
type SubscriptionSyncer interface {
	Sync(ctx context.Context, sub *model.RemoteSubscription) error
}

// SubscriptionLister は同期対象のリモート購読を取得するインターフェース。
type SubscriptionLister interface {
	ListActive(ctx context.Context) ([]*model.RemoteSubscription, error)
	ListActiveBySiteURL(ctx context.Context, siteURL string) ([]*model.RemoteSubscription, error)
}

// SubscriberPruner は配信失敗が続く購読者を無効化するインターフェース。
type SubscriberPruner interface {
	DeactivateFailing(ctx context.Context, threshold int) ([]*model.Subscriber, error)
}

// SchedulerConfig はスケジューラの設定を保持する。
type SchedulerConfig struct {
	Interval                   time.Duration
	MaxConcurrency             int
	SubscriberFailureThreshold int
	// NewTicker がnilの場合はNewTimeTickerを使用する。
	NewTicker TickerFactory
}

// triggerBuffer は同期要求のバッファ数。
const triggerBuffer = 32

// Scheduler はリモート購読の同期サイクルを定期実行する。
// 購読ごとの同期はerrgroupで最大並列数を制御しながら並列に実行し、
// 1件の購読内の処理は逐次に実行する。
type Scheduler struct {
	subscriptions SubscriptionLister
	subscribers   SubscriberPruner
	syncer        SubscriptionSyncer
	notifier      notify.Notifier
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	cfg           SchedulerConfig
	triggers      chan string
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	subscriptions SubscriptionLister,
	subscribers SubscriberPruner,
	syncer SubscriptionSyncer,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.SubscriberFailureThreshold <= 0 {
		cfg.SubscriberFailureThreshold = DefaultFailureThreshold
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewTimeTicker
	}
	return &Scheduler{
		subscriptions: subscriptions,
		subscribers:   subscribers,
		syncer:        syncer,
		notifier:      notifier,
		metrics:       collector,
		logger:        logger,
		cfg:           cfg,
		triggers:      make(chan string, triggerBuffer),
	}
}

// Run は起動直後に1回同期サイクルを実行し、以降はティッカーごとに実行する。
// Triggerで要求されたサイト単位の同期もこのループで処理する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.cfg.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
	)

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C():
			s.runCycle(ctx)
		case siteURL := <-s.triggers:
			if err := s.SyncSite(ctx, siteURL); err != nil && !isCancellation(err) {
				s.logger.Error("サイト単位の同期に失敗しました",
					slog.String("site_url", siteURL),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !isCancellation(err) {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Trigger はサイトURLに一致するリモート購読の同期を要求する。ブロックしない。
// 要求がバッファに積めなかった場合はfalseを返す。次回の定期同期で補完される。
func (s *Scheduler) Trigger(siteURL string) bool {
	select {
	case s.triggers <- strings.TrimRight(siteURL, "/"):
		return true
	default:
		s.logger.Warn("同期要求のバッファが満杯のため要求を破棄しました",
			slog.String("site_url", siteURL),
		)
		return false
	}
}

// RunOnce は有効なリモート購読をすべて同期し、続いて配信失敗が続く購読者を無効化する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	subs, err := s.subscriptions.ListActive(ctx)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		s.logger.Info("同期対象のリモート購読はありません")
	} else {
		s.logger.Info("同期サイクルを開始します",
			slog.Int("subscription_count", len(subs)),
		)
		s.syncAll(ctx, subs)
		s.logger.Info("同期サイクルが完了しました",
			slog.Int("subscription_count", len(subs)),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.pruneSubscribers(ctx)
}

// SyncSite はサイトURLに一致する有効なリモート購読を同期する。
func (s *Scheduler) SyncSite(ctx context.Context, siteURL string) error {
	subs, err := s.subscriptions.ListActiveBySiteURL(ctx, siteURL)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	s.logger.Info("サイト単位の同期を開始します",
		slog.String("site_url", siteURL),
		slog.Int("subscription_count", len(subs)),
	)
	s.syncAll(ctx, subs)
	return ctx.Err()
}

// syncAll はリモート購読を最大並列数の範囲で並列に同期する。
// 1件の失敗は他の購読の同期を中断しない。
func (s *Scheduler) syncAll(ctx context.Context, subs []*model.RemoteSubscription) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)

	for _, sub := range subs {
		g.Go(func() error {
			if err := s.syncer.Sync(ctx, sub); err != nil && !isCancellation(err) {
				s.logger.Error("リモート購読の同期に失敗しました",
					slog.String("subscription_id", sub.ID),
					slog.String("site_url", sub.SiteURL),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	g.Wait()
}

// pruneSubscribers は連続配信失敗が閾値に達した購読者を無効化し、通知する。
func (s *Scheduler) pruneSubscribers(ctx context.Context) error {
	deactivated, err := s.subscribers.DeactivateFailing(ctx, s.cfg.SubscriberFailureThreshold)
	if err != nil {
		return err
	}

	for _, sub := range deactivated {
		s.metrics.RecordDeactivation(metrics.KindSubscriber)
		s.logger.Warn("配信失敗が続いたため購読者を無効化しました",
			slog.String("subscriber_id", sub.ID),
			slog.String("callback_url", sub.CallbackURL),
			slog.Int("consecutive_failures", sub.ConsecutiveFailureCount),
		)
		err := s.notifier.Notify(ctx, notify.EventSubscriberDeactivated, map[string]string{
			"subscriber_id": sub.ID,
			"category_id":   sub.CategoryID,
			"callback_url":  sub.CallbackURL,
			"reason":        sub.LastDeliveryError,
		})
		if err != nil {
			s.logger.Error("無効化の通知に失敗しました",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
