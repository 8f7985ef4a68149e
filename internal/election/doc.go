// Package election decides which replica runs the expiration sweep.
//
// Two LeaderGate implementations are provided:
//
//   - OrdinalGate: static leadership from the deployment's node ordinal.
//     The replica with ordinal 1 is the leader; every other replica is a
//     follower. Nothing is coordinated at runtime.
//   - Gate: dynamic leadership over a NATS JetStream KV lease. Each replica
//     campaigns on a fixed interval. The holder renews the lease with a
//     revision-checked update; if it dies, the bucket TTL expires the key and
//     another replica takes over.
//
// Usage:
//
//	kv, _ := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
//	    Bucket: "subscription-election",
//	    TTL:    15 * time.Second,
//	})
//	gate := election.NewGate(election.NewLease(kv, "sweeper", instanceID),
//	    election.WithRenewInterval(5*time.Second))
//	_ = gate.Start(ctx)
//	defer gate.Stop(ctx)
//
// The renewal interval should be at most a third of the bucket TTL.
package election
