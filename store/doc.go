// Package store provides types.SubscriptionStore implementations.
//
// Three backends are available:
//   - Memory: process-local maps, for tests and single-node development
//   - NATSStore: NATS JetStream KeyValue buckets shared by every instance
//   - PebbleStore: embedded Pebble database on local disk
//
// All backends enforce the same referential rules: a filter can only be
// inserted for an existing subscriber, a subscriber cannot be deleted while
// it still owns a filter, and a filter is only deleted by the request id
// that created it.
package store
