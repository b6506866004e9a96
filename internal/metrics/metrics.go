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
// 予約・レッスン枠・副作用ワーカーから利用する。
type MetricsCollector interface {
	RecordBookingCreated(kind string, sessions int)
	RecordBookingRejected(code string)
	RecordQuotaReserved(count int)
	RecordQuotaConflict()
	RecordQuotaReleased(count int)
	RecordSideEffectStep(step string, ok bool)
	RecordSideEffectJob(status string)
	RecordProviderLatency(provider string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookingsCreated  *prometheus.CounterVec
	bookingsRejected *prometheus.CounterVec
	quotaReserved    prometheus.Counter
	quotaConflicts   prometheus.Counter
	quotaReleased    prometheus.Counter
	sideEffectSteps  *prometheus.CounterVec
	sideEffectJobs   *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonbook_sessions_booked_total",
			Help: "予約されたレッスン数（予約種別ごと）",
		}, []string{"kind"}),
		bookingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonbook_bookings_rejected_total",
			Help: "拒否された予約リクエスト数（エラーコードごと）",
		}, []string{"code"}),
		quotaReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonbook_quota_reserved_total",
			Help: "確保されたレッスン枠の合計数",
		}),
		quotaConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonbook_quota_cas_conflicts_total",
			Help: "同時更新によりレッスン枠の確保に失敗した回数",
		}),
		quotaReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonbook_quota_released_total",
			Help: "返却されたレッスン枠の合計数",
		}),
		sideEffectSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonbook_side_effect_steps_total",
			Help: "副作用ステップの実行数（ステップ・結果ごと）",
		}, []string{"step", "result"}),
		sideEffectJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonbook_side_effect_jobs_total",
			Help: "副作用ジョブの実行結果数（状態ごと）",
		}, []string{"status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lessonbook_provider_latency_seconds",
			Help:    "外部プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonbook_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.bookingsCreated,
		c.bookingsRejected,
		c.quotaReserved,
		c.quotaConflicts,
		c.quotaReleased,
		c.sideEffectSteps,
		c.sideEffectJobs,
		c.providerLatency,
		c.httpStatus,
	)

	return c
}

// RecordBookingCreated は予約されたレッスン数を記録する。
func (c *Collector) RecordBookingCreated(kind string, sessions int) {
	c.bookingsCreated.WithLabelValues(kind).Add(float64(sessions))
}

// RecordBookingRejected は拒否された予約を記録する。
func (c *Collector) RecordBookingRejected(code string) {
	c.bookingsRejected.WithLabelValues(code).Inc()
}

// RecordQuotaReserved は確保したレッスン枠を記録する。
func (c *Collector) RecordQuotaReserved(count int) {
	c.quotaReserved.Add(float64(count))
}

// RecordQuotaConflict はCAS不一致を記録する。
func (c *Collector) RecordQuotaConflict() {
	c.quotaConflicts.Inc()
}

// RecordQuotaReleased は返却したレッスン枠を記録する。
func (c *Collector) RecordQuotaReleased(count int) {
	c.quotaReleased.Add(float64(count))
}

// RecordSideEffectStep は副作用ステップの結果を記録する。
func (c *Collector) RecordSideEffectStep(step string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.sideEffectSteps.WithLabelValues(step, result).Inc()
}

// RecordSideEffectJob は副作用ジョブの実行結果を記録する。
func (c *Collector) RecordSideEffectJob(status string) {
	c.sideEffectJobs.WithLabelValues(status).Inc()
}

// RecordProviderLatency は外部プロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(provider string, duration time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordBookingCreated(string, int) {}
func (Nop) RecordBookingRejected(string) {}
func (Nop) RecordQuotaReserved(int) {}
func (Nop) RecordQuotaConflict() {}
func (Nop) RecordQuotaReleased(int) {}
func (Nop) RecordSideEffectStep(string, bool) {}
func (Nop) RecordSideEffectJob(string) {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
