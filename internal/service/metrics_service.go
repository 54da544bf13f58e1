package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the pickup API.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	transitionsTotal  *prometheus.CounterVec
	transitionsFailed *prometheus.CounterVec
	sweepDuration     prometheus.Observer
	sweepCompleted    prometheus.Counter
	fanoutDelivered   prometheus.Counter
	fanoutDropped     prometheus.Counter
	fanoutSubscribers prometheus.Gauge
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheLatency      prometheus.Observer
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pickup_transitions_total",
		Help: "Committed pickup request transitions by target status",
	}, []string{"status", "actor"})

	transitionsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pickup_transitions_failed_total",
		Help: "Rejected pickup transitions by error code",
	}, []string{"code"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pickup_sweep_duration_seconds",
		Help:    "Duration of auto-completion sweeps",
		Buckets: prometheus.DefBuckets,
	})

	sweepCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pickup_sweep_completed_total",
		Help: "Stale called requests auto-completed by the sweeper",
	})

	fanoutDelivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pickup_fanout_delivered_total",
		Help: "Events delivered to fanout subscribers",
	})

	fanoutDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pickup_fanout_dropped_total",
		Help: "Subscriptions closed because the subscriber could not keep up",
	})

	fanoutSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pickup_fanout_subscribers",
		Help: "Currently connected fanout subscribers",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitionsTotal, transitionsFailed,
		sweepDuration, sweepCompleted, fanoutDelivered, fanoutDropped, fanoutSubscribers,
		cacheHits, cacheMisses, cacheLatency, goroutines)

	return &MetricsService{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		transitionsTotal:  transitionsTotal,
		transitionsFailed: transitionsFailed,
		sweepDuration:     sweepDuration,
		sweepCompleted:    sweepCompleted,
		fanoutDelivered:   fanoutDelivered,
		fanoutDropped:     fanoutDropped,
		fanoutSubscribers: fanoutSubscribers,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		cacheLatency:      cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveTransition records a committed transition.
func (m *MetricsService) ObserveTransition(status, actor string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status, actor).Inc()
}

// ObserveTransitionFailure records a rejected transition by error code.
func (m *MetricsService) ObserveTransitionFailure(code string) {
	if m == nil {
		return
	}
	m.transitionsFailed.WithLabelValues(code).Inc()
}

// ObserveSweep records one sweep run.
func (m *MetricsService) ObserveSweep(completed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepCompleted.Add(float64(completed))
}

// ObserveFanoutDelivery counts delivered events.
func (m *MetricsService) ObserveFanoutDelivery(count int) {
	if m == nil {
		return
	}
	m.fanoutDelivered.Add(float64(count))
}

// ObserveFanoutDrop counts a subscription closed for lagging.
func (m *MetricsService) ObserveFanoutDrop() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

// SetFanoutSubscribers updates the live subscriber gauge.
func (m *MetricsService) SetFanoutSubscribers(n int) {
	if m == nil {
		return
	}
	m.fanoutSubscribers.Set(float64(n))
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
