package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods may be called from request goroutines and background loops
// concurrently and must be thread-safe.
//
// This interface composes smaller, component-focused interfaces.
type MetricsCollector interface {
	EngineMetrics
	IdentityMetrics
	SweeperMetrics
	DispatcherMetrics
	ReplicaMetrics
}

// EngineMetrics defines metrics for request handling.
type EngineMetrics interface {
	// RecordRequest counts an inbound record.
	//
	// Parameters:
	//   - kind: Classification ("add", "cancel", "invalid", "malformed")
	RecordRequest(kind string)

	// RecordOutcome counts an enqueued outcome by code name ("None" for success).
	RecordOutcome(code string)

	// RecordLeadershipChange records whether this instance holds leadership.
	RecordLeadershipChange(isLeader bool)
}

// IdentityMetrics defines metrics for the identity pool.
type IdentityMetrics interface {
	// RecordIdentitiesInUse sets the number of identities currently marked used.
	RecordIdentitiesInUse(count int)

	// RecordIdentityExhausted counts allocation attempts that found no free identity.
	RecordIdentityExhausted()
}

// SweeperMetrics defines metrics for the expiration sweeper.
type SweeperMetrics interface {
	// RecordSweep records one completed sweep iteration.
	//
	// Parameters:
	//   - duration: Time taken in seconds
	//   - expired: Subscriptions retired because their end time passed
	//   - orphaned: Subscribers retired because no filter existed
	//   - success: false if any retirement failed
	RecordSweep(duration float64, expired, orphaned int, success bool)
}

// DispatcherMetrics defines metrics for the response dispatcher.
type DispatcherMetrics interface {
	// RecordDispatch counts a delivery attempt by result
	// ("sent", "encode_error", "encrypt_fallback", "send_error").
	RecordDispatch(result string)

	// RecordQueueDepth sets the number of queued outcomes.
	RecordQueueDepth(depth int)
}

// ReplicaMetrics defines metrics for replica coordination.
type ReplicaMetrics interface {
	// RecordHeartbeat counts a replica status publish by success.
	RecordHeartbeat(success bool)
}
