package govern

import "time"

// Metrics defines the interface for tracking governance operations.
type Metrics interface {
	// RecordLogin records a login attempt.
	RecordLogin(accountID string, success bool)

	// RecordRegistration records a registration attempt.
	RecordRegistration(success bool)

	// RecordConsumption records a quota consumption attempt.
	RecordConsumption(accountID string, kind Kind, plan Plan, allowed bool)

	// RecordKeyAuth records an API-key authentication attempt.
	RecordKeyAuth(success bool)

	// RecordStorageOperation records the duration and status of a
	// storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLogin(accountID string, success bool)                         {}
func (n *NoopMetrics) RecordRegistration(success bool)                                    {}
func (n *NoopMetrics) RecordConsumption(accountID string, kind Kind, plan Plan, allowed bool) {
}
func (n *NoopMetrics) RecordKeyAuth(success bool)                                         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
