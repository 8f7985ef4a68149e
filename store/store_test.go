package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	dstest "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/testing"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

type storeFactory func(t *testing.T) types.SubscriptionStore

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) types.SubscriptionStore {
			return NewMemory()
		},
		"nats": func(t *testing.T) types.SubscriptionStore {
			_, nc := dstest.StartEmbeddedNATS(t)
			cfg := DefaultNATSConfig()
			cfg.MemoryStorage = true

			st, err := NewNATS(t.Context(), dstest.JetStream(t, nc), cfg, WithLogger(logger.NewTest(t)))
			require.NoError(t, err)

			return st
		},
		"pebble": func(t *testing.T) types.SubscriptionStore {
			st, err := OpenPebble(PebbleOptions{
				DataDir: filepath.Join(t.TempDir(), "db"),
				Fsync:   FsyncModeNever,
			}, WithLogger(logger.NewTest(t)))
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, st.Close()) })

			return st
		},
	}
}

func sampleSubscriber(id int) types.Subscriber {
	return types.Subscriber{
		ID:            id,
		Certificate:   []byte{0xde, 0xad},
		DestHost:      "127.0.0.1",
		DestPort:      7443,
		FromForwarder: true,
	}
}

func sampleFilter(id, requestID int) types.Filter {
	return types.Filter{
		SubscriberID: id,
		EndTime:      time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Type:         "VsmType",
		TypeValue:    1,
		RequestID:    requestID,
		BoundingBox: &types.BoundingBox{
			NW: types.Position{Lat: 42.5, Lon: -84},
			SE: types.Position{Lat: 41.5, Lon: -83},
		},
	}
}

func TestStores(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, factory)
		})
	}
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("subscriber round trip", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.UpsertSubscriber(ctx, 10000000, sampleSubscriber(10000000)))

		got, err := st.FindSubscriberByID(ctx, 10000000)
		require.NoError(t, err)
		require.Equal(t, sampleSubscriber(10000000), got)

		updated := sampleSubscriber(10000000)
		updated.DestPort = 9000
		require.NoError(t, st.UpsertSubscriber(ctx, 10000000, updated))

		got, err = st.FindSubscriberByID(ctx, 10000000)
		require.NoError(t, err)
		require.Equal(t, 9000, got.DestPort)

		_, err = st.FindSubscriberByID(ctx, 10000001)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("create refuses taken id", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.CreateSubscriber(ctx, 10000000, sampleSubscriber(10000000)))

		other := sampleSubscriber(10000000)
		other.DestHost = "10.0.0.2"
		require.ErrorIs(t, st.CreateSubscriber(ctx, 10000000, other), types.ErrSubscriberExists)

		got, err := st.FindSubscriberByID(ctx, 10000000)
		require.NoError(t, err)
		require.Equal(t, sampleSubscriber(10000000), got)

		require.NoError(t, st.CreateSubscriber(ctx, 10000001, sampleSubscriber(10000001)))
	})

	t.Run("filter round trip", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.UpsertSubscriber(ctx, 10000000, sampleSubscriber(10000000)))
		require.NoError(t, st.InsertFilter(ctx, 10000000, sampleFilter(10000000, 1001)))

		got, err := st.FindFilterByID(ctx, 10000000)
		require.NoError(t, err)
		want := sampleFilter(10000000, 1001)
		require.True(t, want.EndTime.Equal(got.EndTime))
		got.EndTime = want.EndTime
		require.Equal(t, want, got)

		_, err = st.FindFilterByID(ctx, 10000001)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("filter requires subscriber", func(t *testing.T) {
		st := newStore(t)

		err := st.InsertFilter(t.Context(), 10000000, sampleFilter(10000000, 1))
		require.ErrorIs(t, err, types.ErrSubscriberNotFound)
	})

	t.Run("one filter per subscriber", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.UpsertSubscriber(ctx, 10000000, sampleSubscriber(10000000)))
		require.NoError(t, st.InsertFilter(ctx, 10000000, sampleFilter(10000000, 1)))
		require.ErrorIs(t, st.InsertFilter(ctx, 10000000, sampleFilter(10000000, 2)), types.ErrFilterExists)
	})

	t.Run("filter deleted before subscriber", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.UpsertSubscriber(ctx, 10000000, sampleSubscriber(10000000)))
		require.NoError(t, st.InsertFilter(ctx, 10000000, sampleFilter(10000000, 1001)))

		require.ErrorIs(t, st.DeleteSubscriber(ctx, 10000000), types.ErrSubscriberHasFilter)

		// Mismatched request id leaves the filter in place.
		require.NoError(t, st.DeleteFilter(ctx, 10000000, 999))
		_, err := st.FindFilterByID(ctx, 10000000)
		require.NoError(t, err)

		require.NoError(t, st.DeleteFilter(ctx, 10000000, 1001))
		_, err = st.FindFilterByID(ctx, 10000000)
		require.ErrorIs(t, err, types.ErrNotFound)

		require.NoError(t, st.DeleteSubscriber(ctx, 10000000))
		_, err = st.FindSubscriberByID(ctx, 10000000)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("deletes are idempotent", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		require.NoError(t, st.DeleteFilter(ctx, 10000000, 1))
		require.NoError(t, st.DeleteSubscriber(ctx, 10000000))
	})

	t.Run("find all", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		subs, err := st.FindAllSubscribers(ctx)
		require.NoError(t, err)
		require.Empty(t, subs)

		filters, err := st.FindAllFilters(ctx)
		require.NoError(t, err)
		require.Empty(t, filters)

		for _, id := range []int{10000002, 10000000, 10000001} {
			require.NoError(t, st.UpsertSubscriber(ctx, id, sampleSubscriber(id)))
		}
		require.NoError(t, st.InsertFilter(ctx, 10000001, sampleFilter(10000001, 7)))

		subs, err = st.FindAllSubscribers(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 3)
		require.Equal(t, []int{10000000, 10000001, 10000002}, []int{subs[0].ID, subs[1].ID, subs[2].ID})

		filters, err = st.FindAllFilters(ctx)
		require.NoError(t, err)
		require.Len(t, filters, 1)
		require.Equal(t, 10000001, filters[0].SubscriberID)
		require.Equal(t, 7, filters[0].RequestID)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		st := newStore(t)
		ctx := t.Context()

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if err := st.UpsertSubscriber(ctx, id, sampleSubscriber(id)); err != nil {
					errs <- err
					return
				}
				if err := st.InsertFilter(ctx, id, sampleFilter(id, id)); err != nil {
					errs <- err
				}
			}(10000000 + i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		filters, err := st.FindAllFilters(ctx)
		require.NoError(t, err)
		require.Len(t, filters, 20)
	})
}

func TestMemory_CopiesRecords(t *testing.T) {
	st := NewMemory()
	ctx := t.Context()

	sub := sampleSubscriber(10000000)
	require.NoError(t, st.UpsertSubscriber(ctx, sub.ID, sub))
	sub.Certificate[0] = 0x00

	got, err := st.FindSubscriberByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, byte(0xde), got.Certificate[0])
}

func TestPebble_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := t.Context()

	st, err := OpenPebble(PebbleOptions{DataDir: dir, Fsync: FsyncModeAlways})
	require.NoError(t, err)
	require.NoError(t, st.UpsertSubscriber(ctx, 10000005, sampleSubscriber(10000005)))
	require.NoError(t, st.InsertFilter(ctx, 10000005, sampleFilter(10000005, 3)))
	require.NoError(t, st.Close())

	st, err = OpenPebble(PebbleOptions{DataDir: dir})
	require.NoError(t, err)
	defer st.Close()

	subs, err := st.FindAllSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, 10000005, subs[0].ID)
}

func TestOpenPebble_RequiresDir(t *testing.T) {
	_, err := OpenPebble(PebbleOptions{})
	require.Error(t, err)
}

func TestPebbleKeyOrdering(t *testing.T) {
	require.Less(t, string(pebbleKey(subscriberPrefix, 9)), string(pebbleKey(subscriberPrefix, 10)))
	require.Equal(t, "sub0", string(prefixEnd(subscriberPrefix)))
}
