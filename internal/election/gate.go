package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// LeaderOrdinal is the node ordinal that leads in static mode.
const LeaderOrdinal = 1

// DefaultRenewInterval is the campaign interval of Gate.
const DefaultRenewInterval = 5 * time.Second

// Errors returned by Gate.
var (
	ErrAlreadyStarted = errors.New("election gate already started")
	ErrNotStarted     = errors.New("election gate not started")
)

// OrdinalGate grants leadership to the replica whose ordinal is LeaderOrdinal.
type OrdinalGate struct {
	ordinal int
}

var _ types.LeaderGate = OrdinalGate{}

// NewOrdinalGate creates a static gate for the given node ordinal.
func NewOrdinalGate(ordinal int) OrdinalGate {
	return OrdinalGate{ordinal: ordinal}
}

// IsLeader reports whether this replica's ordinal is LeaderOrdinal.
func (g OrdinalGate) IsLeader(context.Context) bool {
	return g.ordinal == LeaderOrdinal
}

// Campaigner acquires or renews leadership.
type Campaigner interface {
	Campaign(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Gate keeps a Campaigner's leadership current in the background.
//
// IsLeader reads the cached result of the last campaign and never blocks.
type Gate struct {
	lease    Campaigner
	interval time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector

	leader atomic.Bool

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ types.LeaderGate = (*Gate)(nil)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRenewInterval sets the campaign interval.
func WithRenewInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(l types.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate that campaigns through lease.
func NewGate(lease Campaigner, opts ...GateOption) *Gate {
	g := &Gate{
		lease:    lease,
		interval: DefaultRenewInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logger.OrNop(g.logger)
	g.metrics = metrics.OrNop(g.metrics)

	return g
}

// IsLeader reports the result of the most recent campaign.
func (g *Gate) IsLeader(context.Context) bool {
	return g.leader.Load()
}

// Start campaigns once synchronously, then keeps campaigning in the background.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}
	g.started = true

	g.campaign(ctx)
	go g.loop(context.WithoutCancel(ctx))

	return nil
}

// Stop ends the campaign loop and releases leadership if held.
func (g *Gate) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case <-g.stopCh:
		g.mu.Unlock()
		return nil
	default:
		close(g.stopCh)
	}
	g.mu.Unlock()

	select {
	case <-g.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("wait for election loop: %w", ctx.Err())
	}

	if g.leader.Swap(false) {
		g.metrics.RecordLeadershipChange(false)
		if err := g.lease.Release(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
			return fmt.Errorf("release leadership: %w", err)
		}
		g.logger.Info("leadership released")
	}

	return nil
}

func (g *Gate) loop(ctx context.Context) {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.campaign(ctx)
		}
	}
}

func (g *Gate) campaign(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, g.interval)
	defer cancel()

	isLeader, err := g.lease.Campaign(ctx)
	if err != nil {
		g.logger.Warn("leadership campaign failed", "error", err)
		isLeader = false
	}

	if g.leader.Swap(isLeader) != isLeader {
		g.metrics.RecordLeadershipChange(isLeader)
		if isLeader {
			g.logger.Info("acquired leadership")
		} else {
			g.logger.Warn("lost leadership")
		}
	}
}
