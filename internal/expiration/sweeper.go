// Package expiration retires expired and orphaned subscriptions.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/hooks"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = 60 * time.Second

// Errors returned by the sweeper.
var (
	ErrAlreadyStarted = errors.New("sweeper already started")
	ErrNotStarted     = errors.New("sweeper not started")
	ErrStoreRequired  = errors.New("store is required")
)

// Releaser returns identities to the pool.
type Releaser interface {
	Release(id int)
}

// Result summarizes one sweep.
type Result struct {
	Expired  int
	Orphaned int
}

// Sweeper periodically scans the store and retires subscriptions whose
// filter end time has passed, along with subscribers that have no filter.
//
// The loop runs on every instance but only sweeps while the leader gate
// reports leadership, so replicas never duplicate deletions.
type Sweeper struct {
	store    types.SubscriptionStore
	ids      Releaser
	gate     types.LeaderGate
	interval time.Duration
	now      func() time.Time
	hooks    types.Hooks
	audit    types.AuditSink
	logger   types.Logger
	metrics  types.MetricsCollector

	state atomic.Int32

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLeaderGate restricts sweeps to the leader. Without a gate every tick sweeps.
func WithLeaderGate(g types.LeaderGate) Option {
	return func(s *Sweeper) { s.gate = g }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithHooks sets lifecycle callbacks.
func WithHooks(h *types.Hooks) Option {
	return func(s *Sweeper) { s.hooks = hooks.Fill(h) }
}

// WithAudit records every retirement.
func WithAudit(a types.AuditSink) Option {
	return func(s *Sweeper) { s.audit = a }
}

// WithLogger sets the sweeper logger.
func WithLogger(l types.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New creates a sweeper over store that returns identities to ids.
func New(store types.SubscriptionStore, ids Releaser, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	s := &Sweeper{
		store:    store,
		ids:      ids,
		interval: DefaultInterval,
		now:      time.Now,
		hooks:    hooks.NewNop(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	s.metrics = metrics.OrNop(s.metrics)

	return s, nil
}

// State returns the current loop state.
func (s *Sweeper) State() types.SweeperState {
	return types.SweeperState(s.state.Load())
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go s.loop(context.WithoutCancel(ctx))

	s.logger.Info("expiration sweeper started", "interval", s.interval)

	return nil
}

// Stop signals the loop and waits for it to exit or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sweeper: %w", ctx.Err())
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)
	defer s.state.Store(int32(types.SweeperStopped))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			if s.gate != nil && !s.gate.IsLeader(ctx) {
				continue
			}
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("expiration sweep failed", "error", err)
				s.reportError(ctx, err)
			}
		}
	}
}

// SweepOnce runs a single sweep.
//
// Individual retirement failures do not stop the scan; they are joined into
// the returned error.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	s.state.CompareAndSwap(int32(types.SweeperIdle), int32(types.SweeperScanning))
	defer s.state.CompareAndSwap(int32(types.SweeperScanning), int32(types.SweeperIdle))

	start := time.Now()
	var res Result

	subscribers, err := s.store.FindAllSubscribers(ctx)
	if err != nil {
		s.metrics.RecordSweep(time.Since(start).Seconds(), 0, 0, false)
		return res, fmt.Errorf("load subscribers: %w", err)
	}
	filters, err := s.store.FindAllFilters(ctx)
	if err != nil {
		s.metrics.RecordSweep(time.Since(start).Seconds(), 0, 0, false)
		return res, fmt.Errorf("load filters: %w", err)
	}

	byID := make(map[int]types.Filter, len(filters))
	for _, f := range filters {
		byID[f.SubscriberID] = f
	}

	now := s.now().UTC()
	var errs []error
	for _, sub := range subscribers {
		filter, ok := byID[sub.ID]
		if !ok {
			retired, err := s.retireOrphan(ctx, sub.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if retired {
				res.Orphaned++
			}

			continue
		}

		if !filter.Expired(now) {
			continue
		}
		if err := s.retireExpired(ctx, filter); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Expired++
	}

	err = errors.Join(errs...)
	s.metrics.RecordSweep(time.Since(start).Seconds(), res.Expired, res.Orphaned, err == nil)
	if res.Expired > 0 || res.Orphaned > 0 {
		s.logger.Info("expiration sweep retired subscriptions",
			"expired", res.Expired,
			"orphaned", res.Orphaned,
			"scanned", len(subscribers))
	}

	return res, err
}

// retireOrphan re-reads the filter first: an add in flight stores its
// subscriber before its filter, so the snapshot may simply be early.
func (s *Sweeper) retireOrphan(ctx context.Context, id int) (bool, error) {
	_, err := s.store.FindFilterByID(ctx, id)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, types.ErrNotFound):
		return false, fmt.Errorf("recheck filter of subscriber %d: %w", id, err)
	}

	if err := s.store.DeleteSubscriber(ctx, id); err != nil {
		if errors.Is(err, types.ErrSubscriberHasFilter) {
			return false, nil
		}

		return false, fmt.Errorf("delete orphaned subscriber %d: %w", id, err)
	}
	s.release(id)
	s.retired(ctx, id, types.ExpiryReasonOrphaned)

	return true, nil
}

// retireExpired removes the filter before its subscriber.
func (s *Sweeper) retireExpired(ctx context.Context, f types.Filter) error {
	if err := s.store.DeleteFilter(ctx, f.SubscriberID, f.RequestID); err != nil {
		return fmt.Errorf("delete expired filter %d: %w", f.SubscriberID, err)
	}
	if err := s.store.DeleteSubscriber(ctx, f.SubscriberID); err != nil {
		return fmt.Errorf("delete expired subscriber %d: %w", f.SubscriberID, err)
	}
	s.release(f.SubscriberID)
	s.retired(ctx, f.SubscriberID, types.ExpiryReasonEndTime)

	return nil
}

func (s *Sweeper) release(id int) {
	if s.ids != nil {
		s.ids.Release(id)
	}
}

func (s *Sweeper) retired(ctx context.Context, id int, reason types.ExpiryReason) {
	s.logger.Debug("subscription retired", "subscriber_id", id, "reason", string(reason))

	if s.audit != nil {
		desc := fmt.Sprintf("subscriber %d retired (%s)", id, reason)
		if err := s.audit.Record(ctx, types.AuditEventExpired, desc); err != nil {
			s.logger.Warn("failed to audit retirement", "subscriber_id", id, "error", err)
		}
	}

	go func() {
		if err := s.hooks.OnSubscriptionExpired(ctx, id, reason); err != nil {
			s.logger.Warn("expiry hook error", "subscriber_id", id, "error", err)
		}
	}()
}

func (s *Sweeper) reportError(ctx context.Context, err error) {
	go func() {
		if hookErr := s.hooks.OnError(ctx, err); hookErr != nil {
			s.logger.Warn("error hook failed", "error", hookErr)
		}
	}()
}
