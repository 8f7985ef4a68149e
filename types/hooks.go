package types

import "context"

// ExpiryReason explains why the sweeper retired a subscription.
type ExpiryReason string

const (
	// ExpiryReasonEndTime means the filter's end time has passed.
	ExpiryReasonEndTime ExpiryReason = "end_time"

	// ExpiryReasonOrphaned means the subscriber had no filter.
	ExpiryReasonOrphaned ExpiryReason = "orphaned"
)

// Hooks defines callbacks for background lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so they never block the sweeper. Hook errors are logged and otherwise ignored.
//
// Example:
//
//	hooks := &types.Hooks{
//	    OnSubscriptionExpired: func(ctx context.Context, id int, reason types.ExpiryReason) error {
//	        expiredCounter.WithLabelValues(string(reason)).Inc()
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnSubscriptionExpired is called after a subscription is retired by the sweeper.
	OnSubscriptionExpired func(ctx context.Context, subscriberID int, reason ExpiryReason) error

	// OnError is called when a recoverable background error occurs.
	OnError func(ctx context.Context, err error) error
}
