// Package observability holds the Prometheus instruments of the bot. Each
// Metrics owns a private registry so several instances (tests, one-shot
// CLI commands) never collide on the default one.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. It
// implements chat.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	Messages         *prometheus.CounterVec
	GenerationErrors *prometheus.CounterVec
	GenerationTime   prometheus.Histogram
	Commands         *prometheus.CounterVec
	HistoryAppends   prometheus.Counter
	ChannelConnected *prometheus.GaugeVec
	RetentionPruned  prometheus.Counter
}

// NewMetrics registers the instruments under namespace (default "wachat").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wachat"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Incoming messages by outcome (ignored, replied, failed, command).",
		}, []string{"outcome"}),
		GenerationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Failed generations by kind.",
		}, []string{"kind"}),
		GenerationTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Generator call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands executed by name.",
		}, []string{"command"}),
		HistoryAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_appends_total",
			Help:      "Turns appended to conversation histories.",
		}),
		ChannelConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 when the channel is connected.",
		}, []string{"channel"}),
		RetentionPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_total",
			Help:      "Conversations deleted by the retention job.",
		}),
	}
}

func (m *Metrics) MessageOutcome(outcome string) { m.Messages.WithLabelValues(outcome).Inc() }

func (m *Metrics) GenerationError(kind string) { m.GenerationErrors.WithLabelValues(kind).Inc() }

func (m *Metrics) GenerationLatency(d time.Duration) {
	m.GenerationTime.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Command(name string) { m.Commands.WithLabelValues(name).Inc() }

func (m *Metrics) HistoryAppend() { m.HistoryAppends.Inc() }

// SetChannelConnected records a channel's connection state.
func (m *Metrics) SetChannelConnected(channel string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.ChannelConnected.WithLabelValues(channel).Set(v)
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
