package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/forgeapps/govern/pkg/govern"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "govern")

	m.RecordLogin("a@example.com", true)
	m.RecordLogin("a@example.com", true)
	m.RecordLogin("a@example.com", false)
	m.RecordRegistration(true)
	m.RecordConsumption("a@example.com", govern.KindImage, govern.PlanFree, true)
	m.RecordConsumption("a@example.com", govern.KindImage, govern.PlanFree, false)
	m.RecordKeyAuth(false)

	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("true")); got != 2 {
		t.Errorf("logins_total{success=true} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("false")); got != 1 {
		t.Errorf("logins_total{success=false} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.registrationsTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("registrations_total{success=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.consumptionTotal.WithLabelValues("image", "free", "true")); got != 1 {
		t.Errorf("quota_consumption_total allowed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.consumptionTotal.WithLabelValues("image", "free", "false")); got != 1 {
		t.Errorf("quota_consumption_total refused = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.keyAuthTotal.WithLabelValues("false")); got != 1 {
		t.Errorf("key_auth_total{success=false} = %v, want 1", got)
	}
}

func TestMetrics_StorageOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "govern")

	m.RecordStorageOperation("consume_quota", 5*time.Millisecond, nil)
	m.RecordStorageOperation("consume_quota", 10*time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var histogram *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "govern_storage_operation_duration_seconds" {
			histogram = mf
		}
	}
	if histogram == nil {
		t.Fatal("Histogram not registered")
	}
	if count := histogram.GetMetric()[0].GetHistogram().GetSampleCount(); count != 2 {
		t.Errorf("Expected 2 observations, got %d", count)
	}

	if got := testutil.ToFloat64(m.storageOpsErrors.WithLabelValues("consume_quota")); got != 1 {
		t.Errorf("storage_operation_errors_total = %v, want 1", got)
	}
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ govern.Metrics = NewMetrics(prometheus.NewRegistry(), "govern")
}
