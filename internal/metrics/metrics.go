// Package metrics provides Prometheus instrumentation for the support desk:
// push connections, message throughput by sender and delivery path,
// escalations, polls and forward failures.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active push connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts persisted messages by sender and the path they
	// arrived on.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"sender", "path"}) // sender = user|admin|bot, path = push|http

	// MessageLatency records persist-and-forward latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_message_latency_seconds",
		Help:    "Message persist-and-forward latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EscalationsTotal counts state-changing escalations by whether any admin
	// was online at the time.
	EscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_escalations_total",
		Help: "Total number of sessions escalated to a human admin",
	}, []string{"admins"}) // admins = online|offline

	// DeliveriesTotal counts push forwards by outcome.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_deliveries_total",
		Help: "Push deliveries to the counterpart connection",
	}, []string{"result"}) // result = delivered|no_connection|failed

	// HeartbeatEvictionsTotal counts push connections dropped for missing
	// heartbeats or failed pings.
	HeartbeatEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_heartbeat_evictions_total",
		Help: "Push connections evicted by the heartbeat",
	})

	// PollsTotal counts fallback pull requests.
	PollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_polls_total",
		Help: "Total number of fallback poll requests",
	})

	// RateLimitedTotal counts user writes rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_rate_limited_total",
		Help: "User writes rejected by the rate limiter",
	})

)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		EscalationsTotal,
		DeliveriesTotal,
		HeartbeatEvictionsTotal,
		PollsTotal,
		RateLimitedTotal,
	)
}

// SessionCounter counts stored sessions by status.
type SessionCounter func(ctx context.Context) (map[string]int, error)

// sessionCollector reads session counts from the store at scrape time, so
// the gauge follows every transition no matter which process made it.
type sessionCollector struct {
	count    SessionCounter
	statuses []string
	timeout  time.Duration
	desc     *prometheus.Desc
}

// NewSessionCollector returns a collector exporting support_sessions for
// each of statuses. Statuses missing from a count are reported as zero.
func NewSessionCollector(count SessionCounter, statuses ...string) prometheus.Collector {
	return &sessionCollector{
		count:    count,
		statuses: statuses,
		timeout:  2 * time.Second,
		desc: prometheus.NewDesc("support_sessions",
			"Stored sessions by status", []string{"status"}, nil),
	}
}

// RegisterSessionCollector registers a session collector with the default
// registry.
func RegisterSessionCollector(count SessionCounter, statuses ...string) error {
	return prometheus.Register(NewSessionCollector(count, statuses...))
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		log.Printf("[metrics] count sessions: %v", err)
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, status := range c.statuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), status)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
