// Package metrics provides Prometheus instrumentation for the approval engine.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/garyjia/expense-approval/pkg/resilience"
)

const namespace = "expense"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts automated decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Automated decisions by outcome and whether the risk model was degraded.",
		},
		[]string{"outcome", "degraded"},
	)

	// RiskScore observes the combined risk score of submissions.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Combined risk score of submitted expenses.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	// TransitionsTotal counts lifecycle transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Expense status transitions by from-status, to-status and trigger.",
		},
		[]string{"from", "to", "trigger"},
	)

	// ApprovalStepsTotal counts resolved approval steps by action.
	ApprovalStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_steps_total",
			Help:      "Approval step actions by role and action.",
		},
		[]string{"role", "action"},
	)

	// SettlementsTotal counts settlement outcomes.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement outcomes: confirmed, reconciled, failed or unknown.",
		},
		[]string{"result"},
	)

	// SettledAmountCents sums paid amounts.
	SettledAmountCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settled_amount_cents_total",
		Help:      "Total amount paid out, in cents.",
	})

	// LedgerCallDuration observes ledger latency by operation and result.
	LedgerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "Ledger call latency by operation and result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", "result"},
	)

	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected live event feed clients.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Open database connections.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_count",
		Help:      "Total connections waited for.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		RiskScore,
		TransitionsTotal,
		ApprovalStepsTotal,
		SettlementsTotal,
		SettledAmountCents,
		LedgerCallDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBWaitCount,
		GoroutineCount,
		resilience.BreakerTransitions,
	)
}

// Subscribe records domain events into the counters
func Subscribe(d dispatcher.Dispatcher) {
	d.SubscribeAll("metrics", Observe)
}

// Observe updates counters for one event
func Observe(ctx context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.TypeExpenseDecided:
		degraded := "false"
		if b, _ := evt.Payload["degraded"].(bool); b {
			degraded = "true"
		}
		DecisionsTotal.WithLabelValues(evt.GetPayloadString("decision"), degraded).Inc()
		RiskScore.Observe(evt.GetPayloadFloat("risk_score"))
	case event.TypeStatusChanged:
		TransitionsTotal.WithLabelValues(
			evt.GetPayloadString("previous_status"),
			evt.GetPayloadString("new_status"),
			evt.GetPayloadString("trigger"),
		).Inc()
	case event.TypeStepResolved:
		ApprovalStepsTotal.WithLabelValues(evt.GetPayloadString("role"), evt.GetPayloadString("action")).Inc()
	case event.TypeExpenseSettled:
		result := "confirmed"
		if b, _ := evt.Payload["reconciled"].(bool); b {
			result = "reconciled"
		}
		SettlementsTotal.WithLabelValues(result).Inc()
		SettledAmountCents.Add(float64(evt.GetPayloadInt("amount_cents")))
	case event.TypeSettlementFailed:
		SettlementsTotal.WithLabelValues(evt.GetPayloadString("status")).Inc()
	}
	return nil
}

// instrumentedLedger times every ledger call
type instrumentedLedger struct {
	next port.Ledger
}

// InstrumentLedger wraps a ledger with latency metrics
func InstrumentLedger(l port.Ledger) port.Ledger {
	return &instrumentedLedger{next: l}
}

func (l *instrumentedLedger) TransferWithMemo(ctx context.Context, req port.TransferRequest) (*port.TransferResult, error) {
	start := time.Now()
	res, err := l.next.TransferWithMemo(ctx, req)
	LedgerCallDuration.WithLabelValues("transfer", ledgerResult(err)).Observe(time.Since(start).Seconds())
	return res, err
}

func (l *instrumentedLedger) GetTransaction(ctx context.Context, txRef string) (port.TxStatus, error) {
	start := time.Now()
	status, err := l.next.GetTransaction(ctx, txRef)
	LedgerCallDuration.WithLabelValues("get_transaction", ledgerResult(err)).Observe(time.Since(start).Seconds())
	return status, err
}

func ledgerResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, port.ErrLedgerTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, port.ErrLedgerRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

// StartDBStatsCollector samples connection pool stats until ctx is done
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
