// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record* 方法在 nil 接收者上是空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 会话指标
	consultationsTotal   *prometheus.CounterVec
	consultationDuration *prometheus.HistogramVec
	activeSessions       prometheus.Gauge
	roundsTotal          *prometheus.CounterVec
	consensusScore       *prometheus.HistogramVec
	checkpointsTotal     *prometheus.CounterVec

	// 专家调用指标
	participantCallsTotal   *prometheus.CounterVec
	participantCallDuration *prometheus.HistogramVec

	// 检索指标
	retrievalTotal    *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	retrievalResults  prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 事件流指标
	streamDropped prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 会话指标
	c.consultationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_total",
			Help:      "Total number of consultations by terminal status",
		},
		[]string{"mode", "status"},
	)
	c.consultationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consultation_duration_seconds",
			Help:      "Consultation wall-clock duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)
	c.activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consultations_active",
			Help:      "Number of consultations currently running",
		},
	)
	c.roundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultation_rounds_total",
			Help:      "Total number of closed rounds",
		},
		[]string{"mode"},
	)
	c.consensusScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_score",
			Help:      "Per-round consensus score",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"mode", "method"},
	)
	c.checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of HITL checkpoints by outcome",
		},
		[]string{"outcome"},
	)

	// 专家调用指标
	c.participantCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_calls_total",
			Help:      "Total number of expert model calls",
		},
		[]string{"model", "status"},
	)
	c.participantCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "participant_call_duration_seconds",
			Help:      "Expert model call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	// 检索指标
	c.retrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_requests_total",
			Help:      "Total number of agent retrieval requests",
		},
		[]string{"status"},
	)
	c.retrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Agent retrieval duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.retrievalResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_results",
			Help:      "Number of entries returned by agent retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.streamDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_subscribers_dropped_total",
			Help:      "Subscribers dropped because their buffer was full",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🩺 会话指标记录
// =============================================================================

// SessionStarted 活跃会话数 +1
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// RecordConsultation 记录会话终态，同时活跃会话数 -1
func (c *Collector) RecordConsultation(mode, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.consultationsTotal.WithLabelValues(mode, status).Inc()
	c.consultationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRound 记录一轮结束及其共识分数
func (c *Collector) RecordRound(mode, method string, score float64) {
	if c == nil {
		return
	}
	c.roundsTotal.WithLabelValues(mode).Inc()
	c.consensusScore.WithLabelValues(mode, method).Observe(score)
}

// RecordCheckpoint 记录检查点结果: approved, rejected, timeout_approved, timeout_rejected
func (c *Collector) RecordCheckpoint(outcome string) {
	if c == nil {
		return
	}
	c.checkpointsTotal.WithLabelValues(outcome).Inc()
}

// RecordParticipantCall 记录单次专家调用，status 为 ok/timeout/error
func (c *Collector) RecordParticipantCall(model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.participantCallsTotal.WithLabelValues(model, status).Inc()
	c.participantCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// =============================================================================
// 🔎 检索指标记录
// =============================================================================

// RecordRetrieval 记录一次检索
func (c *Collector) RecordRetrieval(status string, duration time.Duration, results int) {
	if c == nil {
		return
	}
	c.retrievalTotal.WithLabelValues(status).Inc()
	c.retrievalDuration.Observe(duration.Seconds())
	if status == "ok" {
		c.retrievalResults.Observe(float64(results))
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordSubscriberDropped 记录被丢弃的慢订阅者
func (c *Collector) RecordSubscriberDropped() {
	if c == nil {
		return
	}
	c.streamDropped.Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
