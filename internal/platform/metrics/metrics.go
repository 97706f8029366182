package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/appbootstrap/internal/domain"
)

// Bootstrap exposes the progress of one bootstrap process.
type Bootstrap struct {
	registry    *prometheus.Registry
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	stageTime   *prometheus.HistogramVec
	probes      *prometheus.CounterVec
	lastState   domain.State
	lastAt      float64
}

func New(namespace string) *Bootstrap {
	b := &Bootstrap{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current bootstrap state, 0 otherwise",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"to"}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each bootstrap stage",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Readiness probe attempts by endpoint and result",
		}, []string{"endpoint", "result"}),
	}
	b.registry.MustRegister(b.state, b.transitions, b.stageTime, b.probes)
	return b
}

func (b *Bootstrap) Registry() *prometheus.Registry {
	return b.registry
}

func (b *Bootstrap) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// OnTransition is called by the orchestrator for every state change. Calls
// are sequential.
func (b *Bootstrap) OnTransition(t domain.Transition) {
	at := float64(t.At.UnixNano()) / 1e9
	if b.lastState != "" {
		b.state.WithLabelValues(string(b.lastState)).Set(0)
		b.stageTime.WithLabelValues(string(b.lastState)).Observe(at - b.lastAt)
	}
	b.state.WithLabelValues(string(t.To)).Set(1)
	b.transitions.WithLabelValues(string(t.To)).Inc()
	b.lastState = t.To
	b.lastAt = at
}

func (b *Bootstrap) ObserveProbe(endpoint string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	b.probes.WithLabelValues(endpoint, result).Inc()
}
