package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// MetricsHandler handles Prometheus metrics endpoint
type MetricsHandler struct {
}

var (
	// HTTP request duration histogram
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marquee_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path", "status"})

	// Active connections gauge
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marquee_active_connections",
		Help: "Number of active connections",
	})

	// Total requests counter
	totalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_gate_decisions_total",
		Help: "Maintenance gate decisions by outcome",
	}, []string{"outcome"})

	quotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_quota_decisions_total",
		Help: "Chat quota decisions by policy and outcome",
	}, []string{"policy", "outcome"})

	chatReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_chat_replies_total",
		Help: "Chat provider calls by result type",
	}, []string{"result"})

	chatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marquee_chat_provider_duration_seconds",
		Help:    "Latency of chat provider calls in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	guestLedgerIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marquee_guest_ledger_identities",
		Help: "Guest identities currently tracked in the ledger",
	})

	// Failed authentication attempts counter
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marquee_auth_failures_total",
		Help: "Total number of failed authentication attempts",
	}, []string{"reason"})
)

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// Handler returns the Prometheus metrics handler for Fiber
func (h *MetricsHandler) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		mfs, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(500).SendString("Failed to gather metrics")
		}

		var sb strings.Builder
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
				return c.Status(500).SendString("Failed to format metrics")
			}
		}

		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		return c.SendString(sb.String())
	}
}

// MetricsMiddleware records HTTP metrics for each request
func MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		activeConnections.Inc()
		defer activeConnections.Dec()
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		path := c.Route().Path
		if path == "" {
			path = "__unmatched__"
		}

		statusStr := "200"
		if status >= 200 && status < 300 {
			statusStr = "2xx"
		} else if status >= 300 && status < 400 {
			statusStr = "3xx"
		} else if status >= 400 && status < 500 {
			statusStr = "4xx"
		} else if status >= 500 {
			statusStr = "5xx"
		}

		totalRequests.WithLabelValues(c.Method(), path, statusStr).Inc()
		httpDuration.WithLabelValues(c.Method(), path, statusStr).Observe(time.Since(start).Seconds())

		return err
	}
}

func RecordGateDecision(outcome string) {
	gateDecisions.WithLabelValues(outcome).Inc()
}

func RecordQuotaDecision(policy string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	quotaDecisions.WithLabelValues(policy, outcome).Inc()
}

// RecordChatReply counts one provider call. result is "ok" or an error type.
func RecordChatReply(result string, d time.Duration) {
	chatReplies.WithLabelValues(result).Inc()
	chatLatency.Observe(d.Seconds())
}

func UpdateGuestLedgerSize(n int) {
	guestLedgerIdentities.Set(float64(n))
}

// RecordAuthFailure increments the failed auth counter with a reason label.
func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}
