package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
)

const namespace = "route_claudecode"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpLatencyMs   *prometheus.HistogramVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	selections      *prometheus.CounterVec
	cooldowns       *prometheus.CounterVec
	tokens          *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served.",
		}, []string{"path", "status"}),
		httpLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"path", "status"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Requests served per provider, response mode and outcome.",
		}, []string{"provider", "mode", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_latency_ms",
			Help:      "Provider call latency in milliseconds, retries included.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"provider", "mode"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Transient failures retried on the same provider.",
		}, []string{"provider"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_selections_total",
			Help:      "Routing decisions per category and provider.",
		}, []string{"category", "provider"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cooldowns_total",
			Help:      "Times a provider entered cooldown.",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed per provider and direction.",
		}, []string{"provider", "direction"}),
	}
	r.MustRegister(
		m.httpRequests, m.httpLatencyMs,
		m.providerCalls, m.providerLatency,
		m.retries, m.selections, m.cooldowns, m.tokens,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(path string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(path, s).Inc()
	m.httpLatencyMs.WithLabelValues(path, s).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) RequestCompleted(providerID, mode string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}

	m.providerCalls.WithLabelValues(providerID, mode, outcome).Inc()
	m.providerLatency.WithLabelValues(providerID, mode).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) RetryAttempted(providerID string) {
	m.retries.WithLabelValues(providerID).Inc()
}

func (m *Metrics) TokensUsed(providerID string, usage canonical.Usage) {
	m.tokens.WithLabelValues(providerID, "input").Add(float64(usage.InputTokens))
	m.tokens.WithLabelValues(providerID, "output").Add(float64(usage.OutputTokens))
}

func (m *Metrics) ProviderSelected(category, providerID string) {
	m.selections.WithLabelValues(category, providerID).Inc()
}

func (m *Metrics) CooldownTripped(providerID string) {
	m.cooldowns.WithLabelValues(providerID).Inc()
}

// WatchHealth exports provider health, read from snapshot at scrape time.
func (m *Metrics) WatchHealth(snapshot func() []router.Health) {
	m.registry.MustRegister(&healthCollector{snapshot: snapshot})
}

var (
	healthStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "provider", "health_state"),
		"Provider health state, 1 for the current state.",
		[]string{"provider", "state"}, nil)
	successRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "provider", "success_rate"),
		"Provider success rate over the recent window.",
		[]string{"provider"}, nil)
	consecutiveErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "provider", "consecutive_errors"),
		"Current run of consecutive provider failures.",
		[]string{"provider"}, nil)
)

type healthCollector struct {
	snapshot func() []router.Health
}

func (c *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- healthStateDesc
	ch <- successRateDesc
	ch <- consecutiveErrorsDesc
}

func (c *healthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.snapshot() {
		for _, state := range []router.State{router.StateHealthy, router.StateDegraded, router.StateCooldown} {
			v := 0.0
			if h.State == state {
				v = 1
			}

			ch <- prometheus.MustNewConstMetric(healthStateDesc, prometheus.GaugeValue, v, h.ProviderID, string(state))
		}

		ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue, h.SuccessRate, h.ProviderID)
		ch <- prometheus.MustNewConstMetric(consecutiveErrorsDesc, prometheus.GaugeValue, float64(h.ConsecutiveErrors), h.ProviderID)
	}
}
