package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgeapps/govern/pkg/govern"
)

// Metrics implements govern.Metrics using Prometheus.
type Metrics struct {
	loginsTotal        *prometheus.CounterVec
	registrationsTotal *prometheus.CounterVec
	consumptionTotal   *prometheus.CounterVec
	keyAuthTotal       *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		loginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Total number of login attempts.",
		}, []string{"success"}),

		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of registration attempts.",
		}, []string{"success"}),

		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_consumption_total",
			Help:      "Total number of quota consumption attempts.",
		}, []string{"kind", "plan", "allowed"}),

		keyAuthTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_auth_total",
			Help:      "Total number of API key authentication attempts.",
		}, []string{"success"}),

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
	}
}

// RecordLogin implements govern.Metrics. Account IDs never become
// label values; cardinality stays bounded.
func (m *Metrics) RecordLogin(accountID string, success bool) {
	m.loginsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordRegistration implements govern.Metrics.
func (m *Metrics) RecordRegistration(success bool) {
	m.registrationsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordConsumption implements govern.Metrics.
func (m *Metrics) RecordConsumption(accountID string, kind govern.Kind, plan govern.Plan, allowed bool) {
	m.consumptionTotal.WithLabelValues(string(kind), string(plan), strconv.FormatBool(allowed)).Inc()
}

// RecordKeyAuth implements govern.Metrics.
func (m *Metrics) RecordKeyAuth(success bool) {
	m.keyAuthTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordStorageOperation implements govern.Metrics.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
