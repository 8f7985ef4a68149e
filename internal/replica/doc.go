// Package replica coordinates engine replicas through a NATS KV bucket.
//
// Two kinds of keys share the bucket, whose TTL should be about three
// renewal intervals:
//
//	ordinal.{n}          claimed by exactly one replica, value is its instance id
//	status.{instanceID}  JSON status document refreshed by every replica
//
// OrdinalClaimer lets replicas without a stable host ordinal (plain
// deployments rather than StatefulSets) pick the lowest free ordinal.
// Ordinal 1 is the sweeper leader under the default ordinal gate. A
// crashed replica's ordinal is reclaimed once its key expires.
//
// StatusPublisher refreshes the replica's status document so operators can
// list live replicas with ListStatus.
package replica
