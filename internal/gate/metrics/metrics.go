package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the request gate.
// Tracks gate outcomes, session churn, and bearer-token cache efficiency.
type Metrics struct {
	RequestsAdmitted prometheus.Counter
	RequestsRejected *prometheus.CounterVec
	SessionsCreated  prometheus.Counter
	TokenCacheHits   prometheus.Counter
	TokenCacheMisses prometheus.Counter
	ResolveDuration  prometheus.Histogram
	PanicsRecovered  prometheus.Counter
}

// New creates a new Metrics instance with all gate metrics registered.
func New() *Metrics {
	return &Metrics{
		RequestsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printchat_gate_requests_admitted_total",
			Help: "Total number of requests that passed every gate stage",
		}),
		RequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "printchat_gate_requests_rejected_total",
			Help: "Total number of requests rejected, by gate stage",
		}, []string{"stage"}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printchat_sessions_created_total",
			Help: "Total number of anonymous sessions minted",
		}),
		TokenCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printchat_token_cache_hits_total",
			Help: "Bearer-token resolutions served from the cache",
		}),
		TokenCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printchat_token_cache_misses_total",
			Help: "Bearer-token resolutions that required an upstream whoami call",
		}),
		ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "printchat_session_resolve_duration_seconds",
			Help:    "Duration of session resolution (cookie, bearer, or anonymous mint)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		PanicsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "printchat_gate_panics_recovered_total",
			Help: "Total number of panics recovered by the gate",
		}),
	}
}

// RequestAdmitted records a request that passed every gate stage.
func (m *Metrics) RequestAdmitted() {
	m.RequestsAdmitted.Inc()
}

// RequestRejected records a rejection at the named gate stage.
func (m *Metrics) RequestRejected(stage string) {
	m.RequestsRejected.WithLabelValues(stage).Inc()
}

// PanicRecovered records a panic converted into a 500.
func (m *Metrics) PanicRecovered() {
	m.PanicsRecovered.Inc()
}

// ObserveResolveDuration records how long session resolution took.
func (m *Metrics) ObserveResolveDuration(d time.Duration) {
	m.ResolveDuration.Observe(d.Seconds())
}

// SessionCreated records an anonymous session mint.
func (m *Metrics) SessionCreated() {
	m.SessionsCreated.Inc()
}

// TokenCacheHit records a bearer resolution served from the cache.
func (m *Metrics) TokenCacheHit() {
	m.TokenCacheHits.Inc()
}

// TokenCacheMiss records a bearer resolution that went upstream.
func (m *Metrics) TokenCacheMiss() {
	m.TokenCacheMisses.Inc()
}
