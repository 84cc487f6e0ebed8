package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	WebhookEvents       *prometheus.CounterVec
	LedgerMovements     *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
	SettlementRequests  *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by outcome.",
		}, []string{"provider", "outcome"}),
		LedgerMovements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "ledger_movements_total",
			Help:      "Escrow ledger entries appended by type.",
		}, []string{"type"}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "invariant_violations_total",
			Help:      "Ledger figures that were clamped at zero or disagree with their entries.",
		}, []string{"resource"}),
		SettlementRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "settlement_requests_total",
			Help:      "Admin settlement requests by action and final state.",
		}, []string{"action", "state"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.WebhookEvents,
		m.LedgerMovements,
		m.InvariantViolations,
		m.SettlementRequests,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Movement(entryType string) {
	if m == nil {
		return
	}
	m.LedgerMovements.WithLabelValues(entryType).Inc()
}

func (m *Metrics) Violation(resource string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(resource).Inc()
}

func (m *Metrics) Settlement(action, state string) {
	if m == nil {
		return
	}
	m.SettlementRequests.WithLabelValues(action, state).Inc()
}

// Middleware records count and latency per registered route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Response().Status)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
