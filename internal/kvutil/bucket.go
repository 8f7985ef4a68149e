// Package kvutil provisions NATS JetStream KeyValue buckets.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultMaxRetries is used when a non-positive attempt count is given.
const DefaultMaxRetries = 3

const firstRetryDelay = 10 * time.Millisecond

// EnsureKVBucketWithRetry returns the bucket named by config, creating it when
// missing.
//
// Every replica provisions the same buckets on startup, so losing the create
// race is normal: the loser opens the bucket the winner made. Other failures
// are retried up to maxRetries attempts, doubling the pause from 10ms.
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
//	    Bucket:  "subscription-subscribers",
//	    History: 1,
//	}, kvutil.DefaultMaxRetries)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	pause := firstRetryDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		kv, err := createOrOpen(ctx, js, config)
		if err == nil {
			return kv, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("provision bucket %s: %w", config.Bucket, ctx.Err())
		}
		if attempt == maxRetries {
			break
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("provision bucket %s: %w", config.Bucket, ctx.Err())
		case <-timer.C:
		}
		pause *= 2
	}

	return nil, fmt.Errorf("provision bucket %s after %d attempts: %w", config.Bucket, maxRetries, lastErr)
}

func createOrOpen(ctx context.Context, js jetstream.JetStream, config jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateKeyValue(ctx, config)
	if !errors.Is(err, jetstream.ErrBucketExists) {
		return kv, err
	}

	kv, err = js.KeyValue(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open existing bucket: %w", err)
	}

	return kv, nil
}

// EnsureKVBuckets provisions every bucket in configs and returns them in order.
func EnsureKVBuckets(ctx context.Context, js jetstream.JetStream, maxRetries int, configs ...jetstream.KeyValueConfig) ([]jetstream.KeyValue, error) {
	kvs := make([]jetstream.KeyValue, len(configs))
	for i, cfg := range configs {
		kv, err := EnsureKVBucketWithRetry(ctx, js, cfg, maxRetries)
		if err != nil {
			return nil, err
		}
		kvs[i] = kv
	}

	return kvs, nil
}
