// Package metrics 基于 Prometheus 暴露引擎与 HTTP 层的运行指标。
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listen"

// Recorder 聚合所有指标。方法对 nil 接收者安全。
type Recorder struct {
	gatherer prometheus.Gatherer

	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	steps            *prometheus.CounterVec
	resolutionErrors *prometheus.CounterVec
	pipelines        *prometheus.CounterVec
	active           prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New 在给定注册表上创建指标集合。
func New(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Pipeline ticks by outcome.",
		}, []string{"result"}), // "evaluated", "skipped", "locked", "error"
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a single pipeline tick.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_transitions_total",
			Help:      "Step transitions by resulting status.",
		}, []string{"status"}),
		resolutionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "resolution_errors_total",
			Help:      "Order resolution and submission errors by code.",
		}, []string{"code"}),
		pipelines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pipelines_finished_total",
			Help:      "Pipelines that reached a terminal status.",
		}, []string{"status"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pipelines_active",
			Help:      "Pipelines published in the last scheduler pass.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default 返回进程级指标集合，附带 Go 运行时与进程采集器。
func Default() *Recorder {
	defaultOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultRecorder = New(reg)
	})
	return defaultRecorder
}

// ObserveTick 记录一次流水线 tick。
func (r *Recorder) ObserveTick(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(result).Inc()
	r.tickDuration.Observe(duration.Seconds())
}

// StepTransition 记录步骤离开 Pending。
func (r *Recorder) StepTransition(status string) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(status).Inc()
}

// ResolutionError 按错误码记录解析或提交失败。
func (r *Recorder) ResolutionError(code string) {
	if r == nil {
		return
	}
	r.resolutionErrors.WithLabelValues(code).Inc()
}

// PipelineFinished 记录流水线进入终态。
func (r *Recorder) PipelineFinished(status string) {
	if r == nil {
		return
	}
	r.pipelines.WithLabelValues(status).Inc()
}

// SetActive 更新活跃流水线数量。
func (r *Recorder) SetActive(n int) {
	if r == nil {
		return
	}
	r.active.Set(float64(n))
}

// ObserveHTTPRequest 记录一次 HTTP 请求的计数与耗时。
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出指标。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Gatherer 返回底层注册表，便于测试读取指标。
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

// ObserveHTTPRequest 在默认指标集合上记录 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default().ObserveHTTPRequest(handler, method, status, duration)
}
