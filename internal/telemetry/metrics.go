package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsApplied      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_events_applied_total", Help: "Events appended to job logs"}, []string{"event"})
	GateRejections     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_gate_rejections_total", Help: "work_started refused because final payment was missing"})
	IdempotentReplays  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idempotent_replays_total", Help: "Requests answered from the idempotency cache"}, []string{"op"})
	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "side_effect_failures_total", Help: "Best-effort side effects that failed"}, []string{"effect"})
	IntentsIssued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payment_intents_total", Help: "Transaction references handed out"}, []string{"stage", "idempotent"})
	PaymentsMarkedPaid = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payments_marked_paid_total", Help: "Payment intents transitioned to paid"}, []string{"stage"})
	LedgerWrites       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_writes_total", Help: "Membership and points ledger outcomes"}, []string{"ledger", "outcome"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsApplied,
			GateRejections,
			IdempotentReplays,
			SideEffectFailures,
			IntentsIssued,
			PaymentsMarkedPaid,
			LedgerWrites,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
