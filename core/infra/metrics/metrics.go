package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures orchestrator-level generation metrics.
type Metrics interface {
	IncGenerations(mode, status string)
	ObserveGenerationDuration(mode string, durationSeconds float64)
	IncPollAttempts()
}

// APIMetrics captures request metrics for the HTTP surface.
type APIMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncGenerations(string, string)             {}
func (Noop) ObserveGenerationDuration(string, float64) {}
func (Noop) IncPollAttempts()                          {}

// NoopAPI implements APIMetrics without emitting anything.
type NoopAPI struct{}

func (NoopAPI) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	generations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	pollAttempts prometheus.Counter
	once         sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Offer generations by backend mode and terminal status",
		}, []string{"mode", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Offer generation duration by backend mode",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_poll_attempts_total",
			Help:      "Status polls issued by the assistant backend",
		}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.generations, p.duration, p.pollAttempts)
	})
	return p
}

func (p *Prom) IncGenerations(mode, status string) {
	p.generations.WithLabelValues(mode, status).Inc()
}

func (p *Prom) ObserveGenerationDuration(mode string, durationSeconds float64) {
	p.duration.WithLabelValues(mode).Observe(durationSeconds)
}

func (p *Prom) IncPollAttempts() {
	p.pollAttempts.Inc()
}

type apiProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewAPIProm constructs an APIMetrics with counters/histograms.
func NewAPIProm(namespace string) APIMetrics {
	a := &apiProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	a.once.Do(func() {
		prometheus.MustRegister(a.requests, a.latency)
	})
	return a
}

func (a *apiProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	a.requests.WithLabelValues(method, route, status).Inc()
	a.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
