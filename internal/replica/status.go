package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Errors returned by the status publisher.
var (
	ErrAlreadyStarted     = errors.New("status publisher already started")
	ErrNotStarted         = errors.New("status publisher not started")
	ErrInstanceIDRequired = errors.New("instance id is required")
)

const statusPrefix = "status."

// Status is one replica's self-reported state.
type Status struct {
	InstanceID string
	Ordinal    int
	Leader     bool
	State      string
	Pending    int
	UpdatedAt  time.Time
}

// StatusFunc samples the replica's current status. InstanceID and
// UpdatedAt are filled in by the publisher.
type StatusFunc func(ctx context.Context) Status

// StatusPublisher periodically writes this replica's Status to the bucket.
//
// The key disappears through the bucket TTL if the replica dies, and is
// deleted on Stop.
type StatusPublisher struct {
	kv         jetstream.KeyValue
	instanceID string
	interval   time.Duration
	sample     StatusFunc
	now        func() time.Time
	logger     types.Logger
	metrics    types.MetricsCollector

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// StatusOption configures a StatusPublisher.
type StatusOption func(*StatusPublisher)

// WithLogger sets the publisher logger.
func WithLogger(l types.Logger) StatusOption {
	return func(p *StatusPublisher) { p.logger = l }
}

// WithMetrics sets the publisher metrics collector.
func WithMetrics(m types.MetricsCollector) StatusOption {
	return func(p *StatusPublisher) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StatusOption {
	return func(p *StatusPublisher) { p.now = now }
}

// NewStatusPublisher creates a publisher for instanceID.
//
// Example:
//
//	pub := replica.NewStatusPublisher(kv, instanceID, 5*time.Second, func(ctx context.Context) replica.Status {
//	    return replica.Status{Ordinal: ordinal, State: proc.State().String()}
//	})
func NewStatusPublisher(kv jetstream.KeyValue, instanceID string, interval time.Duration, sample StatusFunc, opts ...StatusOption) *StatusPublisher {
	p := &StatusPublisher{
		kv:         kv,
		instanceID: instanceID,
		interval:   interval,
		sample:     sample,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrNop(p.logger)
	p.metrics = metrics.OrNop(p.metrics)

	return p
}

// Start publishes the first status synchronously, then refreshes it every interval.
func (p *StatusPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.instanceID == "" {
		return ErrInstanceIDRequired
	}

	if err := p.publish(ctx); err != nil {
		return fmt.Errorf("publish initial status: %w", err)
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(context.WithoutCancel(ctx))

	return nil
}

// Stop ends publishing and deletes this replica's status key.
func (p *StatusPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	select {
	case <-doneCh:
	case <-ctx.Done():
		return fmt.Errorf("wait for status publisher: %w", ctx.Err())
	}

	if err := p.kv.Delete(ctx, statusKey(p.instanceID)); err != nil {
		return fmt.Errorf("stopped but failed to delete status: %w", err)
	}

	return nil
}

func (p *StatusPublisher) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			pubCtx, cancel := context.WithTimeout(ctx, p.interval)
			err := p.publish(pubCtx)
			cancel()
			if err != nil {
				p.logger.Warn("failed to publish replica status", "error", err)
			}
		}
	}
}

func (p *StatusPublisher) publish(ctx context.Context) error {
	st := p.sample(ctx)
	st.InstanceID = p.instanceID
	st.UpdatedAt = p.now().UTC()

	doc, err := encodeStatus(st)
	if err != nil {
		p.metrics.RecordHeartbeat(false)
		return err
	}

	if _, err := p.kv.Put(ctx, statusKey(p.instanceID), doc); err != nil {
		p.metrics.RecordHeartbeat(false)
		return fmt.Errorf("put status for %s: %w", p.instanceID, err)
	}
	p.metrics.RecordHeartbeat(true)

	return nil
}

// ListStatus returns the status of every live replica in the bucket.
func ListStatus(ctx context.Context, kv jetstream.KeyValue) ([]Status, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("list replica keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []Status
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, statusPrefix) {
			continue
		}

		entry, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("get %s: %w", key, err)
		}

		st, err := decodeStatus(entry.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, st)
	}

	return out, nil
}

func encodeStatus(st Status) ([]byte, error) {
	doc := []byte(`{}`)
	fields := []struct {
		path  string
		value any
	}{
		{"instanceId", st.InstanceID},
		{"ordinal", st.Ordinal},
		{"leader", st.Leader},
		{"state", st.State},
		{"pending", st.Pending},
		{"updatedAt", st.UpdatedAt.Format(time.RFC3339Nano)},
	}

	var err error
	for _, f := range fields {
		doc, err = sjson.SetBytes(doc, f.path, f.value)
		if err != nil {
			return nil, fmt.Errorf("encode status field %s: %w", f.path, err)
		}
	}

	return doc, nil
}

func decodeStatus(doc []byte) (Status, error) {
	if !gjson.ValidBytes(doc) {
		return Status{}, errors.New("invalid status document")
	}

	r := gjson.ParseBytes(doc)
	updated, err := time.Parse(time.RFC3339Nano, r.Get("updatedAt").String())
	if err != nil {
		return Status{}, fmt.Errorf("parse updatedAt: %w", err)
	}

	return Status{
		InstanceID: r.Get("instanceId").String(),
		Ordinal:    int(r.Get("ordinal").Int()),
		Leader:     r.Get("leader").Bool(),
		State:      r.Get("state").String(),
		Pending:    int(r.Get("pending").Int()),
		UpdatedAt:  updated,
	}, nil
}

func statusKey(instanceID string) string {
	return statusPrefix + instanceID
}
