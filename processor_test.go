package datasink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/codec"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/idpool"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/response"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/store"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type packet struct {
	host         string
	port         int
	resp         codec.Response
	viaForwarder bool
}

type captureTransport struct {
	mu      sync.Mutex
	packets []packet
}

func (c *captureTransport) Send(_ context.Context, host string, port int, payload []byte, viaForwarder bool) error {
	resp, err := codec.Decode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, packet{host: host, port: port, resp: resp, viaForwarder: viaForwarder})

	return nil
}

func (c *captureTransport) snapshot() []packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]packet(nil), c.packets...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type memoryAudit struct {
	mu    sync.Mutex
	lines []string
}

func (a *memoryAudit) Record(_ context.Context, eventType, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lines = append(a.lines, eventType+" "+description)

	return nil
}

func (a *memoryAudit) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.lines...)
}

type harness struct {
	p     *Processor
	store types.SubscriptionStore
	tr    *captureTransport
	clock *testClock
	audit *memoryAudit
}

func newHarness(t *testing.T, st types.SubscriptionStore, mutate func(*Config), opts ...Option) *harness {
	t.Helper()

	if st == nil {
		st = store.NewMemory()
	}
	cfg := TestConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{store: st, tr: &captureTransport{}, clock: &testClock{now: testNow}, audit: &memoryAudit{}}
	opts = append([]Option{
		WithTransport(h.tr),
		WithClock(h.clock.Now),
		WithAuditSink(h.audit),
		WithLogger(logger.NewTest(t)),
	}, opts...)

	p, err := NewProcessor(&cfg, st, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	h.p = p

	return h
}

// waitPackets waits until n responses have been sent and returns them.
func (h *harness) waitPackets(t *testing.T, n int) []packet {
	t.Helper()

	require.Eventually(t, func() bool { return len(h.tr.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	got := h.tr.snapshot()
	require.Len(t, got, n)

	return got
}

const absent = "\x00absent"

func record(t *testing.T, base map[string]any, overrides map[string]any) []byte {
	t.Helper()

	m := make(map[string]any, len(base))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range overrides {
		if v == absent {
			delete(m, k)
			continue
		}
		m[k] = v
	}

	b, err := json.Marshal(m)
	require.NoError(t, err)

	return b
}

func addRecord(t *testing.T, overrides map[string]any) []byte {
	return record(t, map[string]any{
		"dialogId":   types.DialogDataSubscription,
		"sequenceId": types.SequenceSubscriptionRequest,
		"destHost":   "127.0.0.1",
		"destPort":   7443,
		"endTime":    testNow.Add(time.Hour).Format("2006-01-02T15:04:05"),
		"type":       "VsmType",
		"typeValue":  1,
		"requestId":  1001,
	}, overrides)
}

func cancelRecord(t *testing.T, subscriberID, requestID int, overrides map[string]any) []byte {
	return record(t, map[string]any{
		"dialogId":     types.DialogDataSubscription,
		"sequenceId":   types.SequenceSubscriptionCancel,
		"destHost":     "127.0.0.1",
		"destPort":     7443,
		"subscriberId": subscriberID,
		"requestId":    requestID,
	}, overrides)
}

func countRecords(t *testing.T, st types.SubscriptionStore) (int, int) {
	t.Helper()

	subs, err := st.FindAllSubscribers(t.Context())
	require.NoError(t, err)
	filters, err := st.FindAllFilters(t.Context())
	require.NoError(t, err)

	return len(subs), len(filters)
}

func TestProcessor_Add(t *testing.T) {
	t.Run("valid add is acknowledged and stored", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, nil)))

		got := h.waitPackets(t, 1)
		require.Equal(t, types.CodeNone, got[0].resp.Code)
		require.Equal(t, uint32(idpool.MinID), got[0].resp.SubscriberID)
		require.Equal(t, uint32(1001), got[0].resp.RequestID)
		require.Equal(t, "127.0.0.1", got[0].host)
		require.Equal(t, 7443, got[0].port)
		require.Equal(t, int64(types.SequenceSubscriptionResponse), int64(got[0].resp.SequenceID))

		subs, filters := countRecords(t, h.store)
		require.Equal(t, 1, subs)
		require.Equal(t, 1, filters)

		f, err := h.store.FindFilterByID(t.Context(), idpool.MinID)
		require.NoError(t, err)
		require.Equal(t, "VsmType", f.Type)
		require.Equal(t, 1, f.TypeValue)
		require.Nil(t, f.BoundingBox)
	})

	t.Run("identities increase by one", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		for i := range 3 {
			require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": 2000 + i})))
		}

		got := h.waitPackets(t, 3)
		for i, pkt := range got {
			require.Equal(t, uint32(idpool.MinID+i), pkt.resp.SubscriberID)
		}
	})

	t.Run("past end time consumes no identity", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"endTime": testNow.Add(-time.Minute).Format(time.RFC3339),
		}))
		require.Equal(t, types.InvalidEndTime, types.CodeOf(err))

		got := h.waitPackets(t, 1)
		require.Equal(t, types.InvalidEndTime, got[0].resp.Code)
		require.Zero(t, got[0].resp.SubscriberID)

		subs, filters := countRecords(t, h.store)
		require.Zero(t, subs)
		require.Zero(t, filters)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, nil)))
		got = h.waitPackets(t, 2)
		require.Equal(t, uint32(idpool.MinID), got[1].resp.SubscriberID)
	})

	t.Run("host check precedes end time check", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": absent, "endTime": absent}))
		require.Equal(t, types.TargetHostMissing, types.CodeOf(err))

		// Nowhere to send the response.
		time.Sleep(30 * time.Millisecond)
		require.Empty(t, h.tr.snapshot())
	})

	t.Run("partial bounding box reports missing corner", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"nwPos": map[string]any{"lat": 42.5, "lon": -84},
		}))
		require.Equal(t, types.SEPosMissing, types.CodeOf(err))
		require.Equal(t, types.SEPosMissing, h.waitPackets(t, 1)[0].resp.Code)
	})

	t.Run("bounding box outside region", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"nwPos": map[string]any{"lat": 45, "lon": -84},
			"sePos": map[string]any{"lat": 42, "lon": -83},
		}))
		require.Equal(t, types.InvalidBoundingBox, types.CodeOf(err))
		require.Equal(t, types.InvalidBoundingBox, h.waitPackets(t, 1)[0].resp.Code)
	})

	t.Run("bounding box inside region is stored", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"nwPos": map[string]any{"lat": 42.5, "lon": -84},
			"sePos": map[string]any{"lat": 42, "lon": -83},
		})))
		h.waitPackets(t, 1)

		f, err := h.store.FindFilterByID(t.Context(), idpool.MinID)
		require.NoError(t, err)
		require.NotNil(t, f.BoundingBox)
		require.InDelta(t, 42.5, f.BoundingBox.NW.Lat, 1e-9)
	})

	t.Run("negative request id is stored and acknowledged", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": -5})))

		got := h.waitPackets(t, 1)
		require.Equal(t, types.CodeNone, got[0].resp.Code)
		require.Equal(t, int32(-5), int32(got[0].resp.RequestID))

		// The same id cancels the subscription again.
		require.NoError(t, h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, -5, nil)))
		require.Equal(t, types.CodeNone, h.waitPackets(t, 2)[1].resp.Code)
	})

	t.Run("request id wider than 32 bits is rejected before storing", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": int64(1) << 33}))
		require.Equal(t, types.RequestIDMissing, types.CodeOf(err))

		got := h.waitPackets(t, 1)
		require.Equal(t, types.RequestIDMissing, got[0].resp.Code)
		require.Zero(t, got[0].resp.RequestID)

		subs, filters := countRecords(t, h.store)
		require.Zero(t, subs)
		require.Zero(t, filters)
		require.Zero(t, h.p.ids.InUse())
	})

	t.Run("forwarded flag is carried to the transport", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"fromForwarder": true})))
		require.True(t, h.waitPackets(t, 1)[0].viaForwarder)
	})
}

func TestProcessor_AddExhaustion(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) { cfg.IdentityMax = cfg.IdentityMin + 1 })

	require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": 1})))
	require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": 2})))

	err := h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": 3}))
	require.Equal(t, types.ResourceLimitReached, types.CodeOf(err))

	got := h.waitPackets(t, 3)
	require.Equal(t, types.ResourceLimitReached, got[2].resp.Code)
	require.Equal(t, uint32(3), got[2].resp.RequestID)
}

type brokenFilterStore struct {
	*store.Memory
}

func (b brokenFilterStore) InsertFilter(context.Context, int, types.Filter) error {
	return types.ErrConnectivity
}

func TestProcessor_AddStoreFailure(t *testing.T) {
	st := brokenFilterStore{Memory: store.NewMemory()}
	h := newHarness(t, st, nil)

	err := h.p.Handle(t.Context(), addRecord(t, nil))
	require.Equal(t, types.InternalServerError, types.CodeOf(err))
	require.ErrorIs(t, err, types.ErrConnectivity)

	got := h.waitPackets(t, 1)
	require.Equal(t, types.InternalServerError, got[0].resp.Code)
	require.Zero(t, got[0].resp.SubscriberID)

	// The subscriber write is rolled back and the identity returned.
	subs, _ := countRecords(t, st)
	require.Zero(t, subs)
	require.Zero(t, h.p.ids.InUse())
}

func TestProcessor_ReplicasShareStore(t *testing.T) {
	st := store.NewMemory()
	a := newHarness(t, st, nil)
	b := newHarness(t, st, func(cfg *Config) { cfg.NodeOrdinal = 2 })

	require.NoError(t, b.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": "10.0.0.2", "requestId": 1})))
	require.Equal(t, uint32(idpool.MinID), b.waitPackets(t, 1)[0].resp.SubscriberID)

	// A reconciles on its first allocation and skips B's identity.
	require.NoError(t, a.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": "10.0.0.1", "requestId": 2})))
	require.Equal(t, uint32(idpool.MinID+1), a.waitPackets(t, 1)[0].resp.SubscriberID)

	// B's pool still thinks MinID+1 is free; the store refuses it and B moves on.
	require.NoError(t, b.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": "10.0.0.2", "requestId": 3})))
	got := b.waitPackets(t, 2)
	require.Equal(t, types.CodeNone, got[1].resp.Code)
	require.Equal(t, uint32(idpool.MinID+2), got[1].resp.SubscriberID)

	owned, err := st.FindSubscriberByID(t.Context(), idpool.MinID+1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", owned.DestHost)
	f, err := st.FindFilterByID(t.Context(), idpool.MinID+1)
	require.NoError(t, err)
	require.Equal(t, 2, f.RequestID)

	subs, filters := countRecords(t, st)
	require.Equal(t, 3, subs)
	require.Equal(t, 3, filters)
}

type takenStore struct {
	*store.Memory
}

func (takenStore) CreateSubscriber(context.Context, int, types.Subscriber) error {
	return types.ErrSubscriberExists
}

func TestProcessor_AddGivesUpOnTakenIdentities(t *testing.T) {
	st := takenStore{Memory: store.NewMemory()}
	h := newHarness(t, st, nil)

	err := h.p.Handle(t.Context(), addRecord(t, nil))
	require.Equal(t, types.InternalServerError, types.CodeOf(err))
	require.ErrorIs(t, err, types.ErrSubscriberExists)
	require.Equal(t, types.InternalServerError, h.waitPackets(t, 1)[0].resp.Code)

	// Identities owned elsewhere stay marked used.
	require.Equal(t, maxCreateAttempts, h.p.ids.InUse())
}

func TestProcessor_Cancel(t *testing.T) {
	t.Run("add then cancel frees everything", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, nil)))
		require.NoError(t, h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 1001, nil)))

		got := h.waitPackets(t, 2)
		require.Equal(t, types.CodeNone, got[1].resp.Code)
		require.Equal(t, uint32(idpool.MinID), got[1].resp.SubscriberID)
		require.Equal(t, uint32(1001), got[1].resp.RequestID)

		subs, filters := countRecords(t, h.store)
		require.Zero(t, subs)
		require.Zero(t, filters)

		// The freed identity is handed out again.
		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"requestId": 1002})))
		got = h.waitPackets(t, 3)
		require.Equal(t, uint32(idpool.MinID), got[2].resp.SubscriberID)
	})

	t.Run("mismatched request id leaves store unchanged", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, nil)))
		err := h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 9999, nil))
		require.Equal(t, types.InvalidRequestID, types.CodeOf(err))

		got := h.waitPackets(t, 2)
		require.Equal(t, types.InvalidRequestID, got[1].resp.Code)
		require.Equal(t, uint32(idpool.MinID), got[1].resp.SubscriberID)

		subs, filters := countRecords(t, h.store)
		require.Equal(t, 1, subs)
		require.Equal(t, 1, filters)
	})

	t.Run("mismatched cancel without destination answers the stored subscriber", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": "10.1.2.3", "destPort": 46753})))
		err := h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 9999, map[string]any{
			"destHost": absent,
			"destPort": absent,
		}))
		require.Equal(t, types.InvalidRequestID, types.CodeOf(err))

		got := h.waitPackets(t, 2)
		require.Equal(t, types.InvalidRequestID, got[1].resp.Code)
		require.Equal(t, "10.1.2.3", got[1].host)
		require.Equal(t, 46753, got[1].port)
		require.Equal(t, uint32(9999), got[1].resp.RequestID)

		subs, filters := countRecords(t, h.store)
		require.Equal(t, 1, subs)
		require.Equal(t, 1, filters)
	})

	t.Run("cancel missing request id answers the stored subscriber", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"destHost": "10.1.2.3"})))
		err := h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 0, map[string]any{
			"requestId": absent,
			"destHost":  absent,
			"destPort":  absent,
		}))
		require.Equal(t, types.RequestIDMissing, types.CodeOf(err))

		got := h.waitPackets(t, 2)
		require.Equal(t, types.RequestIDMissing, got[1].resp.Code)
		require.Equal(t, "10.1.2.3", got[1].host)
	})

	t.Run("unknown subscription still answers", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID+5, 77, nil)))

		got := h.waitPackets(t, 1)
		require.Equal(t, types.CodeNone, got[0].resp.Code)
		require.Zero(t, got[0].resp.SubscriberID)
		require.Equal(t, uint32(77), got[0].resp.RequestID)
	})

	t.Run("orphaned subscriber is removed", func(t *testing.T) {
		st := store.NewMemory()
		require.NoError(t, st.UpsertSubscriber(t.Context(), idpool.MinID, types.Subscriber{DestHost: "10.9.9.9", DestPort: 5000}))
		h := newHarness(t, st, nil)

		require.NoError(t, h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 1, map[string]any{
			"destHost": absent,
			"destPort": absent,
		})))

		got := h.waitPackets(t, 1)
		require.Equal(t, "10.9.9.9", got[0].host)
		require.Equal(t, 5000, got[0].port)
		require.Equal(t, uint32(idpool.MinID), got[0].resp.SubscriberID)

		subs, _ := countRecords(t, st)
		require.Zero(t, subs)
	})

	t.Run("missing fields", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), cancelRecord(t, 0, 5, map[string]any{"subscriberId": absent}))
		require.Equal(t, types.SubscriberIDMissing, types.CodeOf(err))

		err = h.p.Handle(t.Context(), cancelRecord(t, idpool.MinID, 0, map[string]any{"requestId": absent}))
		require.Equal(t, types.RequestIDMissing, types.CodeOf(err))

		got := h.waitPackets(t, 2)
		require.Equal(t, types.SubscriberIDMissing, got[0].resp.Code)
		require.Equal(t, types.RequestIDMissing, got[1].resp.Code)
	})
}

func TestProcessor_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      types.ResponseCode
	}{
		{"dialog missing", map[string]any{"dialogId": absent}, types.DialogIDMissing},
		{"dialog wrong", map[string]any{"dialogId": 154}, types.InvalidDialogID},
		{"sequence missing", map[string]any{"sequenceId": absent}, types.SequenceIDMissing},
		{"sequence wrong", map[string]any{"sequenceId": 9}, types.InvalidSequenceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)

			err := h.p.Handle(t.Context(), addRecord(t, tt.overrides))
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.Equal(t, tt.want, types.CodeOf(err))
			require.Equal(t, tt.want, h.waitPackets(t, 1)[0].resp.Code)
		})
	}

	t.Run("no destination means no response", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		err := h.p.Handle(t.Context(), addRecord(t, map[string]any{"dialogId": absent, "destPort": absent}))
		require.ErrorIs(t, err, ErrInvalidRequest)

		time.Sleep(30 * time.Millisecond)
		require.Empty(t, h.tr.snapshot())
	})

	t.Run("malformed json", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.ErrorIs(t, h.p.Handle(t.Context(), []byte("{not json")), ErrInvalidRequest)
		require.ErrorIs(t, h.p.Handle(t.Context(), []byte(`[1,2]`)), ErrInvalidRequest)
		require.Len(t, h.audit.snapshot(), 2)
	})
}

func TestProcessor_AuditRedactsCertificate(t *testing.T) {
	h := newHarness(t, nil, nil)
	cert := base64.StdEncoding.EncodeToString([]byte("requester-public-key-material-32b"))

	require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{"certificate": cert})))
	h.waitPackets(t, 1)

	lines := h.audit.snapshot()
	require.Len(t, lines, 1)
	require.True(t, strings.HasPrefix(lines[0], types.AuditEventAdd))
	require.NotContains(t, lines[0], cert)
	require.Contains(t, lines[0], `"requestId":1001`)
}

func TestProcessor_Expiration(t *testing.T) {
	t.Run("leader retires expired subscriptions", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"requestId": 1,
			"endTime":   testNow.Add(time.Minute).Format(time.RFC3339),
		})))
		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"requestId": 2,
			"endTime":   testNow.Add(time.Hour).Format(time.RFC3339),
		})))
		h.waitPackets(t, 2)

		h.clock.Advance(2 * time.Minute)

		require.Eventually(t, func() bool {
			subs, _ := countRecords(t, h.store)
			return subs == 1
		}, 2*time.Second, 10*time.Millisecond)

		_, err := h.store.FindFilterByID(t.Context(), idpool.MinID)
		require.ErrorIs(t, err, types.ErrNotFound)
		_, err = h.store.FindFilterByID(t.Context(), idpool.MinID+1)
		require.NoError(t, err)
	})

	t.Run("follower never sweeps", func(t *testing.T) {
		h := newHarness(t, nil, func(cfg *Config) { cfg.NodeOrdinal = 2 })

		require.NoError(t, h.p.Handle(t.Context(), addRecord(t, map[string]any{
			"endTime": testNow.Add(time.Minute).Format(time.RFC3339),
		})))
		h.waitPackets(t, 1)
		h.clock.Advance(time.Hour)

		time.Sleep(200 * time.Millisecond)
		subs, filters := countRecords(t, h.store)
		require.Equal(t, 1, subs)
		require.Equal(t, 1, filters)
	})
}

func TestProcessor_Lifecycle(t *testing.T) {
	cfg := TestConfig()
	tr := &captureTransport{}

	p, err := NewProcessor(&cfg, store.NewMemory(), WithTransport(tr))
	require.NoError(t, err)
	require.Equal(t, StateCreated, p.State())

	require.ErrorIs(t, p.Stop(t.Context()), ErrNotStarted)
	require.NoError(t, p.Start(t.Context()))
	require.Equal(t, StateRunning, p.State())
	require.ErrorIs(t, p.Start(t.Context()), ErrAlreadyStarted)

	require.NoError(t, p.Handle(t.Context(), addRecord(t, nil)))
	require.NoError(t, p.Stop(t.Context()))
	require.Equal(t, StateStopped, p.State())

	// Queued outcomes are delivered before Stop returns.
	require.Len(t, tr.snapshot(), 1)

	require.ErrorIs(t, p.Stop(t.Context()), ErrNotStarted)
	require.ErrorIs(t, p.Start(t.Context()), ErrAlreadyStarted)
}

func TestNewProcessor_Validation(t *testing.T) {
	tr := &captureTransport{}

	t.Run("region required", func(t *testing.T) {
		cfg := DefaultConfig()
		_, err := NewProcessor(&cfg, store.NewMemory(), WithTransport(tr))
		require.ErrorIs(t, err, ErrRegionNotSet)
	})

	t.Run("store required", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewProcessor(&cfg, nil, WithTransport(tr))
		require.ErrorIs(t, err, ErrStoreRequired)
	})

	t.Run("transport required", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewProcessor(&cfg, store.NewMemory())
		require.ErrorIs(t, err, ErrTransportRequired)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewProcessor(nil, store.NewMemory(), WithTransport(tr))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("malformed region", func(t *testing.T) {
		cfg := TestConfig()
		cfg.Region = &types.BoundingBox{NW: types.Position{Lat: 41, Lon: -85}, SE: types.Position{Lat: 43, Lon: -82}}
		_, err := NewProcessor(&cfg, store.NewMemory(), WithTransport(tr))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestProcessor_HandleAfterStop(t *testing.T) {
	cfg := TestConfig()
	p, err := NewProcessor(&cfg, store.NewMemory(), WithTransport(&captureTransport{}))
	require.NoError(t, err)
	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.Stop(t.Context()))

	err = p.Handle(t.Context(), addRecord(t, nil))
	require.ErrorIs(t, err, response.ErrDispatcherStopped)
}
