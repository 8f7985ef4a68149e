// Package metrics provides MetricsCollector implementations.
package metrics

import "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. It is the default when no collector is configured.
type NopMetrics struct{}

var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// OrNop returns m, or a NopMetrics when m is nil.
func OrNop(m types.MetricsCollector) types.MetricsCollector {
	if m == nil {
		return NewNop()
	}

	return m
}

// RecordRequest discards the request counter.
func (n *NopMetrics) RecordRequest(string) {}

// RecordOutcome discards the outcome counter.
func (n *NopMetrics) RecordOutcome(string) {}

// RecordLeadershipChange discards the leadership gauge.
func (n *NopMetrics) RecordLeadershipChange(bool) {}

// RecordIdentitiesInUse discards the identity gauge.
func (n *NopMetrics) RecordIdentitiesInUse(int) {}

// RecordIdentityExhausted discards the exhaustion counter.
func (n *NopMetrics) RecordIdentityExhausted() {}

// RecordSweep discards the sweep metrics.
func (n *NopMetrics) RecordSweep(float64, int, int, bool) {}

// RecordDispatch discards the dispatch counter.
func (n *NopMetrics) RecordDispatch(string) {}

// RecordQueueDepth discards the queue gauge.
func (n *NopMetrics) RecordQueueDepth(int) {}

// RecordHeartbeat discards the heartbeat counter.
func (n *NopMetrics) RecordHeartbeat(bool) {}
