package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CreditMetrics is the Prometheus registry for the credit engine, its
// submission queue, and the decision core. Registration happens once; all
// callers share the singleton.
type CreditMetrics struct {
	instructionsTotal    *prometheus.CounterVec
	instructionErrors    *prometheus.CounterVec
	liquidationsTotal    *prometheus.CounterVec
	authDecisionsTotal   *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	queueDeadLettered    *prometheus.CounterVec
	reconcileDivergence  prometheus.Gauge
	reconcileAlertsTotal prometheus.Counter
}

var (
	creditOnce     sync.Once
	creditRegistry *CreditMetrics
)

// Credit returns the process-wide CreditMetrics singleton, registering its
// collectors with the default Prometheus registry on first use.
func Credit() *CreditMetrics {
	creditOnce.Do(func() {
		creditRegistry = &CreditMetrics{
			instructionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cardcredit_instructions_total",
				Help: "Count of credit-engine instructions executed, by instruction and outcome.",
			}, []string{"instruction", "outcome"}),
			instructionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cardcredit_instruction_errors_total",
				Help: "Count of credit-engine instruction failures, by instruction and error kind.",
			}, []string{"instruction", "error"}),
			liquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cardcredit_liquidations_total",
				Help: "Count of completed liquidations, by seized mint.",
			}, []string{"mint"}),
			authDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cardcredit_authorization_decisions_total",
				Help: "Count of authorization.request decisions, by approved/decline_reason.",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "cardcredit_queue_depth",
				Help: "Number of jobs currently queued per owner shard.",
			}, []string{"kind"}),
			queueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cardcredit_queue_dead_lettered_total",
				Help: "Count of jobs routed to the dead-letter store, by kind.",
			}, []string{"kind"}),
			reconcileDivergence: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "cardcredit_reconcile_divergence_bps",
				Help: "Most recent reconciliation pass's basis-point divergence.",
			}),
			reconcileAlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "cardcredit_reconcile_alerts_total",
				Help: "Count of reconciliation passes that exceeded the divergence threshold.",
			}),
		}
		prometheus.MustRegister(
			creditRegistry.instructionsTotal,
			creditRegistry.instructionErrors,
			creditRegistry.liquidationsTotal,
			creditRegistry.authDecisionsTotal,
			creditRegistry.queueDepth,
			creditRegistry.queueDeadLettered,
			creditRegistry.reconcileDivergence,
			creditRegistry.reconcileAlertsTotal,
		)
	})
	return creditRegistry
}

func (m *CreditMetrics) ObserveInstruction(instruction string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.instructionErrors.WithLabelValues(instruction, errKind(err)).Inc()
	}
	m.instructionsTotal.WithLabelValues(instruction, outcome).Inc()
}

func (m *CreditMetrics) ObserveLiquidation(seizeMint string) {
	if m == nil {
		return
	}
	m.liquidationsTotal.WithLabelValues(seizeMint).Inc()
}

func (m *CreditMetrics) ObserveAuthDecision(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.authDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *CreditMetrics) SetQueueDepth(kind string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

func (m *CreditMetrics) IncQueueDeadLettered(kind string) {
	if m == nil {
		return
	}
	m.queueDeadLettered.WithLabelValues(kind).Inc()
}

func (m *CreditMetrics) ObserveReconcile(divergenceBps int64, alert bool) {
	if m == nil {
		return
	}
	m.reconcileDivergence.Set(float64(divergenceBps))
	if alert {
		m.reconcileAlertsTotal.Inc()
	}
}

func errKind(err error) string {
	if err == nil {
		return "none"
	}
	msg := err.Error()
	if len(msg) > 40 {
		msg = msg[:40]
	}
	return strconv.Quote(msg)
}
