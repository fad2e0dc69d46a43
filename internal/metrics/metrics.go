package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bundler"

// UnsupportedEntryPoint 不受支持的入口点共用的标签值
const UnsupportedEntryPoint = "unsupported"

// Recorder RPC服务使用的指标接口
type Recorder interface {
	ObserveRequest(method string, code int, duration time.Duration)
	IncSubmitted(entryPoint string)
	IncSubmitFailed(entryPoint string)
}

// BundlerMetrics Prometheus 指标
type BundlerMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	submitted       *prometheus.CounterVec
	submitFailed    *prometheus.CounterVec
}

// NewBundlerMetrics 在 reg 上注册指标
func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "JSON-RPC requests by method and response code. Code 0 means success.",
			}, []string{"method", "code"}),

		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "JSON-RPC request latency by method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),

		submitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_operations_submitted_total",
				Help:      "UserOperations accepted and handed to the mempool gateway.",
			}, []string{"entry_point"}),

		submitFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_operations_rejected_total",
				Help:      "eth_sendUserOperation calls that returned an error.",
			}, []string{"entry_point"}),
	}
}

// ObserveRequest 记录一次RPC请求
func (m *BundlerMetrics) ObserveRequest(method string, code int, duration time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncSubmitted 提交成功
func (m *BundlerMetrics) IncSubmitted(entryPoint string) {
	m.submitted.WithLabelValues(entryPoint).Inc()
}

// IncSubmitFailed 提交失败
func (m *BundlerMetrics) IncSubmitFailed(entryPoint string) {
	m.submitFailed.WithLabelValues(entryPoint).Inc()
}

// Noop 不记录任何指标
type Noop struct{}

func (Noop) ObserveRequest(string, int, time.Duration) {}
func (Noop) IncSubmitted(string)                       {}
func (Noop) IncSubmitFailed(string)                    {}
