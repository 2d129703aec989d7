package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordBalanceChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordBalanceChange("purchase", 700)
	metrics.RecordBalanceChange("message_unlock", -50)
	metrics.RecordBalanceChange("message_unlock", -50)

	mf := findMetric(t, reg, "test_coins_moved_total")
	if mf == nil {
		t.Fatal("Expected coins_moved_total to be recorded")
	}
	for _, m := range mf.GetMetric() {
		switch labelValue(m, "direction") {
		case "credit":
			if got := m.GetCounter().GetValue(); got != 700 {
				t.Errorf("credit coins = %v, want 700", got)
			}
		case "debit":
			if got := m.GetCounter().GetValue(); got != 100 {
				t.Errorf("debit coins = %v, want 100", got)
			}
		}
	}

	changes := findMetric(t, reg, "test_balance_changes_total")
	if changes == nil || len(changes.GetMetric()) != 2 {
		t.Fatalf("Expected two balance_changes_total series, got %v", changes)
	}
}

func TestPrometheusMetrics_RecordCompensation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCompensation("spend_refund", nil)
	metrics.RecordCompensation("ledger_append", errors.New("db down"))

	mf := findMetric(t, reg, "test_compensations_total")
	if mf == nil {
		t.Fatal("Expected compensations_total to be recorded")
	}
	statuses := map[string]bool{}
	for _, m := range mf.GetMetric() {
		statuses[labelValue(m, "status")] = true
	}
	if !statuses["ok"] || !statuses["failed"] {
		t.Errorf("Expected ok and failed statuses, got %v", statuses)
	}
}

func TestPrometheusMetrics_RecordSettlement(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSettlement("coin", "settled")
	metrics.RecordSettlement("", "error")

	mf := findMetric(t, reg, "test_payment_settlements_total")
	if mf == nil {
		t.Fatal("Expected payment_settlements_total to be recorded")
	}
	types := map[string]bool{}
	for _, m := range mf.GetMetric() {
		types[labelValue(m, "type")] = true
	}
	if !types["coin"] || !types["unknown"] {
		t.Errorf("Expected coin and unknown types, got %v", types)
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("settle_payment", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("settle_payment", 20*time.Millisecond, errors.New("timeout"))

	if findMetric(t, reg, "test_storage_operation_duration_seconds") == nil {
		t.Error("Expected storage duration histogram")
	}
	mf := findMetric(t, reg, "test_storage_operation_errors_total")
	if mf == nil || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("Expected one storage error")
	}
}

func TestPrometheusMetrics_RecordInsufficientFundsAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordInsufficientFunds("gift_send")
	metrics.RecordCircuitBreakerStateChange("open")

	if findMetric(t, reg, "test_insufficient_funds_total") == nil {
		t.Error("Expected insufficient_funds_total")
	}
	if findMetric(t, reg, "test_circuit_breaker_state_changes_total") == nil {
		t.Error("Expected circuit_breaker_state_changes_total")
	}
}
