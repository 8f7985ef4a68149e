package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// FsyncMode defines durability behavior for Pebble writes.
type FsyncMode int

const (
	// FsyncModeInterval lets Pebble group WAL syncs within FsyncInterval.
	FsyncModeInterval FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every write.
	FsyncModeAlways
	// FsyncModeNever leaves WAL syncs entirely to Pebble.
	FsyncModeNever
)

var (
	subscriberPrefix = []byte("sub/")
	filterPrefix     = []byte("flt/")
)

// PebbleOptions configures a PebbleStore.
type PebbleOptions struct {
	// DataDir is the database directory; required.
	DataDir string
	// Fsync determines when the WAL is synced.
	Fsync FsyncMode
	// FsyncInterval controls group commit under FsyncModeInterval (default 5ms).
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning; nil uses defaults.
	PebbleOptions *pebble.Options
}

// PebbleStore implements types.SubscriptionStore on an embedded Pebble database.
//
// Keys are "sub/" or "flt/" followed by the zero-padded subscriber id, so
// prefix iteration returns records in id order. Writes that check another
// record first are serialized by a mutex.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	logger types.Logger
}

var _ types.SubscriptionStore = (*PebbleStore)(nil)

// OpenPebble creates or opens a Pebble-backed store.
//
// Example:
//
//	st, err := store.OpenPebble(store.PebbleOptions{DataDir: "/var/lib/subscriptiond"})
//	defer st.Close()
func OpenPebble(opts PebbleOptions, storeOpts ...Option) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.DataDir, err)
	}

	writeOpts := pebble.NoSync
	if opts.Fsync != FsyncModeNever {
		writeOpts = pebble.Sync
	}

	o := applyOptions(storeOpts)

	return &PebbleStore{db: db, writeOpts: writeOpts, logger: o.logger}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func pebbleKey(prefix []byte, id int) []byte {
	return fmt.Appendf(append([]byte(nil), prefix...), "%010d", id)
}

// prefixEnd returns the exclusive upper bound for keys starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++

	return end
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, types.ErrNotFound
		}

		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) exists(key []byte) (bool, error) {
	_, err := s.get(key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}

func (s *PebbleStore) scan(prefix []byte, visit func([]byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}

	return iter.Error()
}

func (s *PebbleStore) CreateSubscriber(_ context.Context, id int, sub types.Subscriber) error {
	data, err := encodeSubscriber(id, sub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.exists(pebbleKey(subscriberPrefix, id))
	if err != nil {
		return fmt.Errorf("check subscriber %d: %w", id, err)
	}
	if taken {
		return types.ErrSubscriberExists
	}

	if err := s.db.Set(pebbleKey(subscriberPrefix, id), data, s.writeOpts); err != nil {
		return fmt.Errorf("put subscriber %d: %w", id, err)
	}

	return nil
}

func (s *PebbleStore) UpsertSubscriber(_ context.Context, id int, sub types.Subscriber) error {
	data, err := encodeSubscriber(id, sub)
	if err != nil {
		return err
	}

	if err := s.db.Set(pebbleKey(subscriberPrefix, id), data, s.writeOpts); err != nil {
		return fmt.Errorf("put subscriber %d: %w", id, err)
	}

	return nil
}

func (s *PebbleStore) FindSubscriberByID(_ context.Context, id int) (types.Subscriber, error) {
	data, err := s.get(pebbleKey(subscriberPrefix, id))
	if err != nil {
		return types.Subscriber{}, err
	}

	return decodeSubscriber(data)
}

func (s *PebbleStore) FindAllSubscribers(_ context.Context) ([]types.Subscriber, error) {
	var result []types.Subscriber
	err := s.scan(subscriberPrefix, func(data []byte) error {
		sub, err := decodeSubscriber(data)
		if err != nil {
			return err
		}
		result = append(result, sub)

		return nil
	})

	return result, err
}

func (s *PebbleStore) DeleteSubscriber(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasFilter, err := s.exists(pebbleKey(filterPrefix, id))
	if err != nil {
		return fmt.Errorf("check filter %d: %w", id, err)
	}
	if hasFilter {
		return types.ErrSubscriberHasFilter
	}

	if err := s.db.Delete(pebbleKey(subscriberPrefix, id), s.writeOpts); err != nil {
		return fmt.Errorf("delete subscriber %d: %w", id, err)
	}

	return nil
}

func (s *PebbleStore) InsertFilter(_ context.Context, id int, f types.Filter) error {
	data, err := encodeFilter(id, f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hasSubscriber, err := s.exists(pebbleKey(subscriberPrefix, id))
	if err != nil {
		return fmt.Errorf("check subscriber %d: %w", id, err)
	}
	if !hasSubscriber {
		return types.ErrSubscriberNotFound
	}

	hasFilter, err := s.exists(pebbleKey(filterPrefix, id))
	if err != nil {
		return fmt.Errorf("check filter %d: %w", id, err)
	}
	if hasFilter {
		return types.ErrFilterExists
	}

	if err := s.db.Set(pebbleKey(filterPrefix, id), data, s.writeOpts); err != nil {
		return fmt.Errorf("put filter %d: %w", id, err)
	}

	return nil
}

func (s *PebbleStore) FindFilterByID(_ context.Context, id int) (types.Filter, error) {
	data, err := s.get(pebbleKey(filterPrefix, id))
	if err != nil {
		return types.Filter{}, err
	}

	return decodeFilter(data)
}

func (s *PebbleStore) FindAllFilters(_ context.Context) ([]types.Filter, error) {
	var result []types.Filter
	err := s.scan(filterPrefix, func(data []byte) error {
		f, err := decodeFilter(data)
		if err != nil {
			return err
		}
		result = append(result, f)

		return nil
	})

	return result, err
}

func (s *PebbleStore) DeleteFilter(_ context.Context, id int, requestID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pebbleKey(filterPrefix, id)
	data, err := s.get(key)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get filter %d: %w", id, err)
	}

	f, err := decodeFilter(data)
	if err != nil {
		return err
	}
	if f.RequestID != requestID {
		s.logger.Debug("filter request id mismatch, not deleting", "subscriberID", id, "stored", f.RequestID, "given", requestID)
		return nil
	}

	if err := s.db.Delete(key, s.writeOpts); err != nil {
		return fmt.Errorf("delete filter %d: %w", id, err)
	}

	return nil
}
