// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期サービス、トークン管理、プロバイダーアダプターから利用する。
type MetricsCollector interface {
	RecordSyncOutcome(provider, outcome string)
	RecordMatchClass(class string)
	RecordTokenRefresh(provider, result string)
	RecordBulkSync(provider string, activities int)
	ObserveProviderRequest(provider, operation string, statusCode int, elapsed time.Duration)
	RecordScheduledSync(result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncOutcomes    *prometheus.CounterVec
	matchClasses    *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	bulkActivities  *prometheus.CounterVec
	providerStatus  *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	scheduledSyncs  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_sync_outcomes_total",
			Help: "アクティビティ同期の結果別の合計数",
		}, []string{"provider", "outcome"}),
		matchClasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_match_classifications_total",
			Help: "ワークアウト突合の分類別の合計数",
		}, []string{"class"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_token_refreshes_total",
			Help: "トークンリフレッシュの結果別の合計数",
		}, []string{"provider", "result"}),
		bulkActivities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_bulk_activities_listed_total",
			Help: "一括同期で一覧取得したアクティビティの合計数",
		}, []string{"provider"}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_provider_http_status_total",
			Help: "プロバイダーAPIのHTTPステータスコード別のレスポンス数",
		}, []string{"provider", "status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainsync_provider_request_seconds",
			Help:    "プロバイダーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		scheduledSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainsync_scheduled_syncs_total",
			Help: "バックグラウンド一括同期のユーザー単位の結果別の合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.syncOutcomes,
		c.matchClasses,
		c.tokenRefreshes,
		c.bulkActivities,
		c.providerStatus,
		c.providerLatency,
		c.scheduledSyncs,
	)

	return c
}

// RecordSyncOutcome は同期の結果（synced, duplicate, conflict, failed等）を記録する。
func (c *Collector) RecordSyncOutcome(provider, outcome string) {
	c.syncOutcomes.WithLabelValues(provider, outcome).Inc()
}

// RecordMatchClass は突合の分類を記録する。
func (c *Collector) RecordMatchClass(class string) {
	c.matchClasses.WithLabelValues(class).Inc()
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(provider, result string) {
	c.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// RecordBulkSync は一括同期で取得したアクティビティ数を記録する。
func (c *Collector) RecordBulkSync(provider string, activities int) {
	c.bulkActivities.WithLabelValues(provider).Add(float64(activities))
}

// ObserveProviderRequest はプロバイダーAPI呼び出しのステータスとレイテンシを記録する。
// ネットワークエラーはステータスコード0として記録される。
func (c *Collector) ObserveProviderRequest(provider, operation string, statusCode int, elapsed time.Duration) {
	c.providerStatus.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	c.providerLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

// RecordScheduledSync はバックグラウンド一括同期の結果（ok, error, rate_limited）を記録する。
func (c *Collector) RecordScheduledSync(result string) {
	c.scheduledSyncs.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
