package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/kvutil"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/natsutil"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// NATSConfig configures the JetStream KV buckets backing a NATSStore.
type NATSConfig struct {
	// SubscriberBucket holds one entry per subscriber keyed by decimal id.
	SubscriberBucket string `yaml:"subscriberBucket"`

	// FilterBucket holds one entry per filter keyed by decimal subscriber id.
	FilterBucket string `yaml:"filterBucket"`

	// Replicas is the bucket replication factor.
	Replicas int `yaml:"replicas"`

	// MemoryStorage keeps buckets in memory instead of on disk.
	MemoryStorage bool `yaml:"memoryStorage"`

	// MaxRetries bounds bucket provisioning attempts.
	MaxRetries int `yaml:"maxRetries"`
}

// DefaultNATSConfig returns the default bucket layout.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubscriberBucket: "subscription-subscribers",
		FilterBucket:     "subscription-filters",
		Replicas:         1,
		MaxRetries:       kvutil.DefaultMaxRetries,
	}
}

// NATSStore implements types.SubscriptionStore on JetStream KeyValue buckets.
//
// Filter inserts use KV Create so a second filter for the same subscriber
// fails atomically across instances. Filter deletes are conditional on the
// revision that was read, so a concurrent replace is never removed by a stale
// request id. Referential checks that span both buckets are serialized
// within this process only.
type NATSStore struct {
	subscribers jetstream.KeyValue
	filters     jetstream.KeyValue

	mu     sync.Mutex
	logger types.Logger
}

var _ types.SubscriptionStore = (*NATSStore)(nil)

// NewNATS provisions (or opens) the buckets described by cfg.
//
// Parameters:
//   - ctx: Context for bucket provisioning
//   - js: JetStream context
//   - cfg: Bucket configuration; empty names fall back to DefaultNATSConfig
//
// Returns:
//   - *NATSStore: Store bound to the buckets
//   - error: Provisioning failure
//
// Example:
//
//	js, _ := jetstream.New(nc)
//	st, err := store.NewNATS(ctx, js, store.DefaultNATSConfig())
func NewNATS(ctx context.Context, js jetstream.JetStream, cfg NATSConfig, opts ...Option) (*NATSStore, error) {
	def := DefaultNATSConfig()
	if cfg.SubscriberBucket == "" {
		cfg.SubscriberBucket = def.SubscriberBucket
	}
	if cfg.FilterBucket == "" {
		cfg.FilterBucket = def.FilterBucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}

	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	kvs, err := kvutil.EnsureKVBuckets(ctx, js, cfg.MaxRetries,
		jetstream.KeyValueConfig{
			Bucket:      cfg.SubscriberBucket,
			Description: "subscription subscribers",
			History:     1,
			Storage:     storage,
			Replicas:    cfg.Replicas,
		},
		jetstream.KeyValueConfig{
			Bucket:      cfg.FilterBucket,
			Description: "subscription filters",
			History:     1,
			Storage:     storage,
			Replicas:    cfg.Replicas,
		},
	)
	if err != nil {
		return nil, natsutil.Classify("provision subscription buckets", err)
	}

	return NewNATSFromKV(kvs[0], kvs[1], opts...), nil
}

// NewNATSFromKV binds a store to already provisioned buckets.
func NewNATSFromKV(subscribers, filters jetstream.KeyValue, opts ...Option) *NATSStore {
	o := applyOptions(opts)

	return &NATSStore{
		subscribers: subscribers,
		filters:     filters,
		logger:      o.logger,
	}
}

func natsKey(id int) string {
	return strconv.Itoa(id)
}

// CreateSubscriber relies on KV Create, so replicas racing for the same id
// see exactly one winner.
func (s *NATSStore) CreateSubscriber(ctx context.Context, id int, sub types.Subscriber) error {
	data, err := encodeSubscriber(id, sub)
	if err != nil {
		return err
	}

	if _, err := s.subscribers.Create(ctx, natsKey(id), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return types.ErrSubscriberExists
		}

		return natsutil.Classify(fmt.Sprintf("create subscriber %d", id), err)
	}

	return nil
}

func (s *NATSStore) UpsertSubscriber(ctx context.Context, id int, sub types.Subscriber) error {
	data, err := encodeSubscriber(id, sub)
	if err != nil {
		return err
	}

	if _, err := s.subscribers.Put(ctx, natsKey(id), data); err != nil {
		return natsutil.Classify(fmt.Sprintf("put subscriber %d", id), err)
	}

	return nil
}

func (s *NATSStore) FindSubscriberByID(ctx context.Context, id int) (types.Subscriber, error) {
	entry, err := s.subscribers.Get(ctx, natsKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Subscriber{}, types.ErrNotFound
		}

		return types.Subscriber{}, natsutil.Classify(fmt.Sprintf("get subscriber %d", id), err)
	}

	return decodeSubscriber(entry.Value())
}

func (s *NATSStore) FindAllSubscribers(ctx context.Context) ([]types.Subscriber, error) {
	var result []types.Subscriber
	err := s.scan(ctx, s.subscribers, func(data []byte) error {
		sub, err := decodeSubscriber(data)
		if err != nil {
			return err
		}
		result = append(result, sub)

		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b types.Subscriber) int { return a.ID - b.ID })

	return result, nil
}

func (s *NATSStore) DeleteSubscriber(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.filters.Get(ctx, natsKey(id))
	switch {
	case err == nil:
		return types.ErrSubscriberHasFilter
	case !errors.Is(err, jetstream.ErrKeyNotFound):
		return natsutil.Classify(fmt.Sprintf("check filter %d", id), err)
	}

	if err := s.subscribers.Delete(ctx, natsKey(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return natsutil.Classify(fmt.Sprintf("delete subscriber %d", id), err)
	}

	return nil
}

func (s *NATSStore) InsertFilter(ctx context.Context, id int, f types.Filter) error {
	data, err := encodeFilter(id, f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.subscribers.Get(ctx, natsKey(id)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.ErrSubscriberNotFound
		}

		return natsutil.Classify(fmt.Sprintf("check subscriber %d", id), err)
	}

	if _, err := s.filters.Create(ctx, natsKey(id), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return types.ErrFilterExists
		}

		return natsutil.Classify(fmt.Sprintf("create filter %d", id), err)
	}

	return nil
}

func (s *NATSStore) FindFilterByID(ctx context.Context, id int) (types.Filter, error) {
	entry, err := s.filters.Get(ctx, natsKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Filter{}, types.ErrNotFound
		}

		return types.Filter{}, natsutil.Classify(fmt.Sprintf("get filter %d", id), err)
	}

	return decodeFilter(entry.Value())
}

func (s *NATSStore) FindAllFilters(ctx context.Context) ([]types.Filter, error) {
	var result []types.Filter
	err := s.scan(ctx, s.filters, func(data []byte) error {
		f, err := decodeFilter(data)
		if err != nil {
			return err
		}
		result = append(result, f)

		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b types.Filter) int { return a.SubscriberID - b.SubscriberID })

	return result, nil
}

func (s *NATSStore) DeleteFilter(ctx context.Context, id int, requestID int) error {
	entry, err := s.filters.Get(ctx, natsKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}

		return natsutil.Classify(fmt.Sprintf("get filter %d", id), err)
	}

	f, err := decodeFilter(entry.Value())
	if err != nil {
		return err
	}
	if f.RequestID != requestID {
		s.logger.Debug("filter request id mismatch, not deleting", "subscriberID", id, "stored", f.RequestID, "given", requestID)
		return nil
	}

	if err := s.filters.Delete(ctx, natsKey(id), jetstream.LastRevision(entry.Revision())); err != nil {
		return natsutil.Classify(fmt.Sprintf("delete filter %d", id), err)
	}

	return nil
}

// scan visits the value of every live key in kv.
func (s *NATSStore) scan(ctx context.Context, kv jetstream.KeyValue, visit func([]byte) error) error {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil
		}

		return natsutil.Classify(fmt.Sprintf("list keys in %s", kv.Bucket()), err)
	}
	defer func() { _ = lister.Stop() }()

	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return natsutil.Classify(fmt.Sprintf("get %s/%s", kv.Bucket(), key), err)
		}

		if err := visit(entry.Value()); err != nil {
			return err
		}
	}

	return nil
}
