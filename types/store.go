package types

import "context"

// SubscriptionStore is the persistent storage contract used by the engine.
//
// Storage is authoritative for subscription state. Implementations must be
// safe for concurrent use from request handling and the expiration sweeper.
//
// Referential rules:
//   - CreateSubscriber fails with ErrSubscriberExists when id is taken.
//   - InsertFilter requires an existing subscriber (ErrSubscriberNotFound) and
//     no existing filter for it (ErrFilterExists).
//   - DeleteSubscriber fails with ErrSubscriberHasFilter while a filter exists.
//   - DeleteFilter only removes a filter whose request id matches.
//   - Deleting an absent record is not an error.
//   - Find operations return ErrNotFound when the record is absent.
type SubscriptionStore interface {
	// CreateSubscriber stores the subscriber record for id only if none exists.
	CreateSubscriber(ctx context.Context, id int, sub Subscriber) error

	// UpsertSubscriber creates or replaces the subscriber record for id.
	UpsertSubscriber(ctx context.Context, id int, sub Subscriber) error

	// FindSubscriberByID returns the subscriber record for id.
	FindSubscriberByID(ctx context.Context, id int) (Subscriber, error)

	// FindAllSubscribers returns every stored subscriber.
	FindAllSubscribers(ctx context.Context) ([]Subscriber, error)

	// DeleteSubscriber removes the subscriber record for id.
	DeleteSubscriber(ctx context.Context, id int) error

	// InsertFilter stores the filter owned by subscriber id.
	InsertFilter(ctx context.Context, id int, filter Filter) error

	// FindFilterByID returns the filter owned by subscriber id.
	FindFilterByID(ctx context.Context, id int) (Filter, error)

	// FindAllFilters returns every stored filter.
	FindAllFilters(ctx context.Context) ([]Filter, error)

	// DeleteFilter removes the filter owned by id if its request id matches requestID.
	DeleteFilter(ctx context.Context, id int, requestID int) error
}
