// Package types provides core type definitions and interfaces for the subscription engine.
//
// This package contains shared types that are used across multiple packages of the
// module. Keeping them in a separate package avoids import cycles between the root
// datasink package, the store implementations and the internal components.
//
// Key types:
//   - Subscriber, Filter, BoundingBox: persisted subscription state
//   - Cancellation: validated cancel request
//   - Outcome: result of processing one request, destined for the requester
//   - ResponseCode: closed error taxonomy reported back to requesters
//   - SubscriptionStore, Codec, SecurityProvider, Transport, AuditSink, LeaderGate: collaborator contracts
//   - Logger, MetricsCollector, Hooks: ambient contracts
package types
