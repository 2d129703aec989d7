package gocoin

import "time"

// Metrics defines the interface for tracking balance, payment and storage operations.
type Metrics interface {
	// RecordBalanceChange records a committed credit (positive delta) or debit (negative delta).
	RecordBalanceChange(reason string, delta int64)

	// RecordInsufficientFunds records a declined debit.
	RecordInsufficientFunds(reason string)

	// RecordCompensation records a compensating write and whether it succeeded.
	RecordCompensation(operation string, err error)

	// RecordSettlement records a payment settlement attempt.
	// outcome: "settled", "already_settled" or "error"
	RecordSettlement(paymentType, outcome string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordBalanceChange(reason string, delta int64)                             {}
func (n *NoopMetrics) RecordInsufficientFunds(reason string)                                      {}
func (n *NoopMetrics) RecordCompensation(operation string, err error)                             {}
func (n *NoopMetrics) RecordSettlement(paymentType, outcome string)                               {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
