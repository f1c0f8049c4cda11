package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	batchSize       prometheus.Histogram
	lockRejections  *prometheus.CounterVec
}

// NewMetricsService registers the collectors the attendance API exposes.
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

	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_batch_size",
		Help:    "Number of records per attendance submission",
		Buckets: []float64{1, 5, 10, 20, 40, 60, 100},
	})

	lockRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_lock_rejections_total",
		Help: "Attendance writes rejected by a lock, by cause",
	}, []string{"cause"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, batchSize, lockRejections, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		batchSize:       batchSize,
		lockRejections:  lockRejections,
	}
}

// Handler exposes the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one completed request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "path": path, "status": strconv.Itoa(status)}
	s.requestDuration.With(labels).Observe(duration.Seconds())
	s.requestTotal.With(labels).Inc()
}

// ObserveBatchSize records the size of an accepted submission.
func (s *MetricsService) ObserveBatchSize(size int) {
	s.batchSize.Observe(float64(size))
}

// ObserveLockRejection counts a rejected write by lock cause.
func (s *MetricsService) ObserveLockRejection(cause string) {
	s.lockRejections.WithLabelValues(cause).Inc()
}
