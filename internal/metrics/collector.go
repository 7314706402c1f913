// ABOUTME: Prometheus collector for master-side agent protocol metrics
// ABOUTME: Registers on a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "nimrod"

// Collector records agent protocol metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	authRejected     *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	heartActions     *prometheus.CounterVec
	trackedAgents    prometheus.Gauge
	pongRTT          prometheus.Histogram
}

// NewCollector creates a collector with its own registry. The registry
// also carries the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Inbound agent messages by type and result",
			},
			[]string{"type", "result"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Outbound agent messages by type and result",
			},
			[]string{"type", "result"},
		),
		authRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_rejected_total",
				Help:      "Inbound messages rejected before reaching a session",
			},
			[]string{"reason"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_state_transitions_total",
				Help:      "Agent session state changes",
			},
			[]string{"from", "to"},
		),
		heartActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heart_actions_total",
				Help:      "Liveness actions taken by the heart",
			},
			[]string{"action"},
		),
		trackedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_agents",
				Help:      "Agent sessions currently in the table",
			},
		),
		pongRTT: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pong_rtt_seconds",
				Help:      "Round trip between a ping and its pong",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) MessageReceived(msgType, result string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(msgType, result).Inc()
}

func (c *Collector) MessageSent(msgType, result string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(msgType, result).Inc()
}

// AuthRejected counts a message dropped during authentication.
func (c *Collector) AuthRejected(reason string) {
	if c == nil {
		return
	}
	c.authRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) HeartAction(action string) {
	if c == nil {
		return
	}
	c.heartActions.WithLabelValues(action).Inc()
}

func (c *Collector) SetTrackedAgents(n int) {
	if c == nil {
		return
	}
	c.trackedAgents.Set(float64(n))
}

func (c *Collector) ObservePongRTT(d time.Duration) {
	if c == nil {
		return
	}
	c.pongRTT.Observe(d.Seconds())
}
