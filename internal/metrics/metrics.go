// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信・同期結果のラベル値
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultRejected  = "rejected"
	ResultCancelled = "cancelled"
)

// 無効化された購読の種別ラベル値
const (
	KindSubscriber         = "subscriber"
	KindRemoteSubscription = "remote_subscription"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 配信ディスパッチャ、同期ワーカー、フェデレーションサービスから利用する。
type MetricsCollector interface {
	RecordDelivery(result string)
	RecordDispatchDropped()
	RecordDispatchLatency(duration time.Duration)
	RecordSyncRun(result string)
	RecordPostsUpserted(count int)
	RecordPostsDeleted(count int)
	RecordDeactivation(kind string)
	RecordURLRejection(reason string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries      *prometheus.CounterVec
	dispatchDropped prometheus.Counter
	dispatchLatency prometheus.Histogram
	syncRuns        *prometheus.CounterVec
	postsUpserted   prometheus.Counter
	postsDeleted    prometheus.Counter
	deactivations   *prometheus.CounterVec
	urlRejections   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedblog_dispatch_deliveries_total",
			Help: "購読者へのWebhook配信の結果別合計数",
		}, []string{"result"}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedblog_dispatch_dropped_total",
			Help: "キュー満杯または停止中のため破棄された配信ジョブの合計数",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedblog_dispatch_latency_seconds",
			Help:    "購読者1件あたりのWebhook配信レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedblog_sync_runs_total",
			Help: "リモート購読の同期サイクルの結果別合計数",
		}, []string{"result"}),
		postsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedblog_sync_posts_upserted_total",
			Help: "同期で登録・更新されたリモート記事の合計数",
		}),
		postsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedblog_sync_posts_deleted_total",
			Help: "同期でソフトデリートされたリモート記事の合計数",
		}),
		deactivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedblog_subscriptions_deactivated_total",
			Help: "自動的に無効化された購読の種別ごとの合計数",
		}, []string{"kind"}),
		urlRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedblog_url_rejections_total",
			Help: "URL検証で拒否されたURLの理由別合計数",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.deliveries,
		c.dispatchDropped,
		c.dispatchLatency,
		c.syncRuns,
		c.postsUpserted,
		c.postsDeleted,
		c.deactivations,
		c.urlRejections,
	)

	return c
}

// RecordDelivery はWebhook配信の結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordDispatchDropped は破棄された配信ジョブを記録する。
func (c *Collector) RecordDispatchDropped() {
	c.dispatchDropped.Inc()
}

// RecordDispatchLatency は配信のレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(duration time.Duration) {
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordSyncRun は同期サイクルの結果を記録する。
func (c *Collector) RecordSyncRun(result string) {
	c.syncRuns.WithLabelValues(result).Inc()
}

// RecordPostsUpserted は登録・更新されたリモート記事数を記録する。
func (c *Collector) RecordPostsUpserted(count int) {
	c.postsUpserted.Add(float64(count))
}

// RecordPostsDeleted はソフトデリートされたリモート記事数を記録する。
func (c *Collector) RecordPostsDeleted(count int) {
	c.postsDeleted.Add(float64(count))
}

// RecordDeactivation は購読の自動無効化を記録する。
func (c *Collector) RecordDeactivation(kind string) {
	c.deactivations.WithLabelValues(kind).Inc()
}

// RecordURLRejection はURL検証による拒否を記録する。
func (c *Collector) RecordURLRejection(reason string) {
	c.urlRejections.WithLabelValues(reason).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
