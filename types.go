package datasink

import "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"

// Re-export types from the types package so callers can depend on the root
// package alone while internal packages depend only on types.
type (
	State        = types.State
	Subscriber   = types.Subscriber
	Filter       = types.Filter
	BoundingBox  = types.BoundingBox
	Position     = types.Position
	Cancellation = types.Cancellation
	Outcome      = types.Outcome
	ResponseCode = types.ResponseCode
)

// Re-export interfaces from the types package.
type (
	SubscriptionStore = types.SubscriptionStore
	Codec             = types.Codec
	SecurityProvider  = types.SecurityProvider
	Transport         = types.Transport
	AuditSink         = types.AuditSink
	LeaderGate        = types.LeaderGate
	MetricsCollector  = types.MetricsCollector
	Logger            = types.Logger
	Hooks             = types.Hooks
)

// Re-export State constants.
const (
	StateCreated  = types.StateCreated
	StateRunning  = types.StateRunning
	StateStopping = types.StateStopping
	StateStopped  = types.StateStopped
)
