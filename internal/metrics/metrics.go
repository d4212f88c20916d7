// Package metrics 把覆盖引擎和生成服务的运行数据导出为Prometheus指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

// Config 指标配置
type Config struct {
	Namespace string
	Subsystem string
	Registry  *prometheus.Registry // 为空时新建独立的Registry
}

// Recorder 记录覆盖过程的指标，实现coverage.Observer
type Recorder struct {
	registry *prometheus.Registry

	generatorCalls   *prometheus.CounterVec
	generatorErrors  *prometheus.CounterVec
	splits           *prometheus.CounterVec
	spans            *prometheus.CounterVec
	records          prometheus.Counter
	documents        *prometheus.CounterVec
	documentDuration prometheus.Histogram
	inflight         prometheus.Gauge
}

var _ coverage.Observer = (*Recorder)(nil)

// NewRecorder 创建指标记录器
func NewRecorder(config *Config) *Recorder {
	if config == nil {
		config = &Config{}
	}
	if config.Namespace == "" {
		config.Namespace = "qa"
	}
	if config.Subsystem == "" {
		config.Subsystem = "coverage"
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	factory := promauto.With(registry)
	ns, sub := config.Namespace, config.Subsystem

	return &Recorder{
		registry: registry,
		generatorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "generator_calls_total",
			Help:      "Generator invocations by split level",
		}, []string{"level"}),
		generatorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "generator_failures_total",
			Help:      "Generator invocations that failed and counted as zero yield",
		}, []string{"level"}),
		splits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "splits_total",
			Help:      "Transitions into a finer split level",
		}, []string{"level"}),
		spans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "spans_total",
			Help:      "Top-level spans finished, by outcome",
		}, []string{"outcome"}),
		records: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "records_total",
			Help:      "QA records committed to output",
		}),
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "documents_total",
			Help:      "Documents processed, by status",
		}, []string{"status"}),
		documentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "document_duration_seconds",
			Help:      "Wall time spent on one document",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "documents_inflight",
			Help:      "Documents currently being processed",
		}),
	}
}

// GeneratorCall 记录一次生成器调用
func (r *Recorder) GeneratorCall(level coverage.Level, failed bool) {
	r.generatorCalls.WithLabelValues(level.String()).Inc()
	if failed {
		r.generatorErrors.WithLabelValues(level.String()).Inc()
	}
}

// Split 记录一次拆分
func (r *Recorder) Split(level coverage.Level) {
	r.splits.WithLabelValues(level.String()).Inc()
}

// SpanFinished 记录片段结束
func (r *Recorder) SpanFinished(records int, skipped bool) {
	outcome := "covered"
	if skipped {
		outcome = "skipped"
	}
	r.spans.WithLabelValues(outcome).Inc()
	r.records.Add(float64(records))
}

// DocumentStarted 文档开始处理
func (r *Recorder) DocumentStarted() {
	r.inflight.Inc()
}

// DocumentFinished 文档处理结束
func (r *Recorder) DocumentFinished(status string, elapsed time.Duration) {
	r.inflight.Dec()
	r.documents.WithLabelValues(status).Inc()
	r.documentDuration.Observe(elapsed.Seconds())
}

// Registry 返回底层Registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回/metrics的HTTP处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
