// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/stridesync/internal/budget"
)

// 結果ラベルの値。
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期処理やWebhook処理、バッチワーカーから利用する。
type MetricsCollector interface {
	RecordSync(mode string, success bool)
	RecordSyncLatency(duration time.Duration)
	RecordActivitiesUpserted(count int)
	RecordWebhookEvent(objectType, aspectType, result string)
	RecordTokenRefresh(success bool)
	RecordAchievementsUnlocked(count int)
	RecordBatchRun(synced, failed int, stoppedEarly bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncTotal            *prometheus.CounterVec
	syncLatency          prometheus.Histogram
	activitiesUpserted   prometheus.Counter
	webhookEvents        *prometheus.CounterVec
	tokenRefresh         *prometheus.CounterVec
	achievementsUnlocked prometheus.Counter
	batchUsers           *prometheus.CounterVec
	batchStoppedEarly    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_sync_total",
			Help: "ユーザー同期の実行数（モード・結果別）",
		}, []string{"mode", "result"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stridesync_sync_latency_seconds",
			Help:    "ユーザー同期1回あたりの所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		activitiesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_activities_upserted_total",
			Help: "アップサートされたアクティビティの合計数",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_webhook_events_total",
			Help: "処理したWebhookイベント数（種別・結果別）",
		}, []string{"object_type", "aspect_type", "result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_token_refresh_total",
			Help: "アクセストークン更新の実行数（結果別）",
		}, []string{"result"}),
		achievementsUnlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_achievements_unlocked_total",
			Help: "新たに解除された実績の合計数",
		}),
		batchUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_batch_users_total",
			Help: "バッチ同期で処理したユーザー数（結果別）",
		}, []string{"result"}),
		batchStoppedEarly: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_batch_stopped_early_total",
			Help: "呼び出し枠不足で途中終了したバッチの数",
		}),
	}

	reg.MustRegister(
		c.syncTotal,
		c.syncLatency,
		c.activitiesUpserted,
		c.webhookEvents,
		c.tokenRefresh,
		c.achievementsUnlocked,
		c.batchUsers,
		c.batchStoppedEarly,
	)

	return c
}

// RecordSync は同期結果を記録する。
func (c *Collector) RecordSync(mode string, success bool) {
	c.syncTotal.WithLabelValues(mode, resultLabel(success)).Inc()
}

// RecordSyncLatency は同期の所要時間を記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordActivitiesUpserted はアップサートされたアクティビティ数を記録する。
func (c *Collector) RecordActivitiesUpserted(count int) {
	c.activitiesUpserted.Add(float64(count))
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(objectType, aspectType, result string) {
	c.webhookEvents.WithLabelValues(objectType, aspectType, result).Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	c.tokenRefresh.WithLabelValues(resultLabel(success)).Inc()
}

// RecordAchievementsUnlocked は解除された実績数を記録する。
func (c *Collector) RecordAchievementsUnlocked(count int) {
	c.achievementsUnlocked.Add(float64(count))
}

// RecordBatchRun はバッチ1回分の処理結果を記録する。
func (c *Collector) RecordBatchRun(synced, failed int, stoppedEarly bool) {
	c.batchUsers.WithLabelValues(ResultSuccess).Add(float64(synced))
	c.batchUsers.WithLabelValues(ResultFailure).Add(float64(failed))
	if stoppedEarly {
		c.batchStoppedEarly.Inc()
	}
}

// RegisterBudgetGauges は呼び出し枠の消費状況をGaugeFuncとして登録する。
// 値はスクレイプのたびにTrackerから読み出す。
func RegisterBudgetGauges(reg prometheus.Registerer, tracker *budget.Tracker) {
	gauge := func(name, help string, value func(budget.Usage) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			return float64(value(tracker.Usage()))
		})
	}

	reg.MustRegister(
		gauge("stridesync_budget_short_used", "15分ウィンドウの消費回数",
			func(u budget.Usage) int { return u.ShortTerm }),
		gauge("stridesync_budget_short_limit", "15分ウィンドウの安全上限",
			func(u budget.Usage) int { return u.ShortLimit }),
		gauge("stridesync_budget_daily_used", "日次ウィンドウの消費回数",
			func(u budget.Usage) int { return u.Daily }),
		gauge("stridesync_budget_daily_limit", "日次ウィンドウの安全上限",
			func(u budget.Usage) int { return u.DailyLimit }),
	)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func resultLabel(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時やテストで使用する。
type Nop struct{}

func (Nop) RecordSync(string, bool)                   {}
func (Nop) RecordSyncLatency(time.Duration)           {}
func (Nop) RecordActivitiesUpserted(int)              {}
func (Nop) RecordWebhookEvent(string, string, string) {}
func (Nop) RecordTokenRefresh(bool)                   {}
func (Nop) RecordAchievementsUnlocked(int)            {}
func (Nop) RecordBatchRun(int, int, bool)             {}
