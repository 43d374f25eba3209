// Package metrics 基于 Prometheus 记录对话转发的请求、流与历史写入指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UnknownModel 路由解析失败时使用的 model 标签，避免客户端输入产生任意多的序列
const UnknownModel = "unknown"

// Recorder 请求级指标记录器。nil Recorder 的所有方法都是空操作。
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	streamDuration  *prometheus.HistogramVec
	deltasTotal     *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	inflight        prometheus.Gauge
	contextTokens   *prometheus.HistogramVec
	summarizations  *prometheus.CounterVec
	historyFailures *prometheus.CounterVec
}

// NewRecorder 创建绑定独立 registry 的记录器，同一进程内多个实例互不冲突。
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_requests_total",
				Help: "Total number of chat requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		streamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_stream_duration_seconds",
				Help:    "Duration of upstream streams in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		deltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_stream_deltas_total",
				Help: "Total number of text deltas relayed to callers",
			},
			[]string{"model"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_upstream_errors_total",
				Help: "Total number of terminal stream errors by code",
			},
			[]string{"model", "code"},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_streams_inflight",
				Help: "Number of upstream streams currently open",
			},
		),
		contextTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_context_tokens",
				Help:    "Estimated tokens of assembled request context",
				Buckets: prometheus.ExponentialBuckets(64, 2, 8),
			},
			[]string{"model"},
		),
		summarizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_forced_summaries_total",
				Help: "Total number of summaries forced by the budget gate",
			},
			[]string{"model"},
		),
		historyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_history_failures_total",
				Help: "Total number of chat history persistence failures",
			},
			[]string{"op"},
		),
	}
}

// Registry 供 /metrics 使用
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveContext 记录组装后的上下文大小
func (r *Recorder) ObserveContext(model string, estimatedTokens int, forcedSummary bool) {
	if r == nil {
		return
	}
	r.contextTokens.WithLabelValues(model).Observe(float64(estimatedTokens))
	if forcedSummary {
		r.summarizations.WithLabelValues(model).Inc()
	}
}

// StreamStarted 标记一路流开始，返回结束时调用的函数
func (r *Recorder) StreamStarted(model string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	r.inflight.Inc()
	return func() {
		r.inflight.Dec()
		r.streamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
}

// Delta 计数一次转发的增量
func (r *Recorder) Delta(model string) {
	if r == nil {
		return
	}
	r.deltasTotal.WithLabelValues(model).Inc()
}

// Finished 记录请求结果；errCode 仅在流失败时非空
func (r *Recorder) Finished(model, outcome, errCode string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(model, outcome).Inc()
	if errCode != "" {
		r.upstreamErrors.WithLabelValues(model, errCode).Inc()
	}
}

// HistoryFailure 计数一次历史写入失败
func (r *Recorder) HistoryFailure(op string) {
	if r == nil {
		return
	}
	r.historyFailures.WithLabelValues(op).Inc()
}
