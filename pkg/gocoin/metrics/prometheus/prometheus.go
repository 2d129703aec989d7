package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// Metrics implements gocoin.Metrics using Prometheus.
type Metrics struct {
	balanceChangesTotal        *prometheus.CounterVec
	coinsMovedTotal            *prometheus.CounterVec
	insufficientFundsTotal     *prometheus.CounterVec
	compensationsTotal         *prometheus.CounterVec
	settlementsTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ gocoin.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		balanceChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_changes_total",
			Help:      "Total number of committed balance changes.",
		}, []string{"reason", "direction"}),

		coinsMovedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coins_moved_total",
			Help:      "Total number of coins credited or debited.",
		}, []string{"reason", "direction"}),

		insufficientFundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_funds_total",
			Help:      "Total number of debits declined for insufficient funds.",
		}, []string{"reason"}),

		compensationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of compensating writes.",
		}, []string{"operation", "status"}),

		settlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_settlements_total",
			Help:      "Total number of payment settlement attempts.",
		}, []string{"type", "outcome"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordBalanceChange(reason string, delta int64) {
	direction, amount := "credit", delta
	if delta < 0 {
		direction, amount = "debit", -delta
	}
	m.balanceChangesTotal.WithLabelValues(reason, direction).Inc()
	m.coinsMovedTotal.WithLabelValues(reason, direction).Add(float64(amount))
}

func (m *Metrics) RecordInsufficientFunds(reason string) {
	m.insufficientFundsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCompensation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.compensationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordSettlement(paymentType, outcome string) {
	if paymentType == "" {
		paymentType = "unknown"
	}
	m.settlementsTotal.WithLabelValues(paymentType, outcome).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
