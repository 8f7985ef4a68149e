// Package idpool allocates subscriber identities from a fixed closed range.
//
// The pool keeps an in-memory used-set over the range plus a cursor. The
// used-set is a cache: whenever the cursor sits at the start of the range the
// pool reconciles it against persisted subscribers, so restarts and
// wrap-arounds never hand out an identity that storage still holds.
package idpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Default identity range. Values are eight digits so they never collide with
// low or test-reserved identifiers on the wire.
const (
	MinID = 10000000
	MaxID = 99999999
)

// Common errors returned by the pool.
var (
	ErrNoAvailableID = errors.New("no available subscriber ID in pool")
	ErrInvalidRange  = errors.New("invalid identity range")
)

// Source lists persisted subscribers for reconciliation.
type Source interface {
	FindAllSubscribers(ctx context.Context) ([]types.Subscriber, error)
}

// Pool hands out and reclaims subscriber identities.
//
// All operations run under a single mutex, including reconciliation.
type Pool struct {
	mu     sync.Mutex
	src    Source
	minID  int
	maxID  int
	cursor int
	used   *bitset.BitSet
	inUse  int

	logger  types.Logger
	metrics types.MetricsCollector
}

// Option configures a Pool.
type Option func(*Pool)

// WithRange overrides the identity range. Both bounds are inclusive.
func WithRange(minID, maxID int) Option {
	return func(p *Pool) {
		p.minID = minID
		p.maxID = maxID
	}
}

// WithLogger sets the pool logger.
func WithLogger(l types.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the pool metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a pool reconciled lazily against src.
//
// Parameters:
//   - src: Persisted subscriber listing (nil disables reconciliation)
//   - opts: Optional range, logger and metrics
//
// Returns:
//   - *Pool: Pool with cursor at the start of the range
//   - error: ErrInvalidRange if the range is empty or negative
//
// Example:
//
//	pool, err := idpool.New(st, idpool.WithLogger(log))
//	id, err := pool.Next(ctx)
//	defer pool.Release(id)
func New(src Source, opts ...Option) (*Pool, error) {
	p := &Pool{
		src:   src,
		minID: MinID,
		maxID: MaxID,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.minID < 0 || p.maxID < p.minID {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, p.minID, p.maxID)
	}

	p.logger = logger.OrNop(p.logger)
	p.metrics = metrics.OrNop(p.metrics)
	p.cursor = p.minID
	p.used = bitset.New(uint(p.maxID - p.minID + 1))

	return p, nil
}

// Next allocates the first free identity at or after the cursor.
//
// When the cursor is at the start of the range the used-set is reconciled
// with storage first. If the scan reaches the end of the range without a free
// slot, the cursor wraps once and the scan restarts from the beginning.
//
// Returns:
//   - int: Allocated identity
//   - error: SubscriptionError with ResourceLimitReached when the range is
//     exhausted, or a wrapped storage error when reconciliation fails
func (p *Pool) Next(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor > p.maxID {
		p.cursor = p.minID
	}

	start := p.cursor
	if start == p.minID {
		if err := p.reconcileLocked(ctx); err != nil {
			return 0, err
		}
	}

	id, ok := p.claimFromLocked(start)
	if !ok && start > p.minID {
		p.logger.Debug("identity scan reached end of range, wrapping", "start", start)
		p.cursor = p.minID
		if err := p.reconcileLocked(ctx); err != nil {
			return 0, err
		}
		id, ok = p.claimFromLocked(p.minID)
	}

	if !ok {
		p.cursor = p.maxID + 1
		p.metrics.RecordIdentityExhausted()
		p.logger.Error("subscriber identities exhausted", "min", p.minID, "max", p.maxID, "inUse", p.inUse)

		return 0, types.WrapSubscriptionError(types.ResourceLimitReached, "subscriber identities exhausted", ErrNoAvailableID)
	}

	p.metrics.RecordIdentitiesInUse(p.inUse)

	return id, nil
}

// Release returns id to the pool and rewinds the cursor to it if it is earlier.
//
// Identities outside the range are ignored.
func (p *Pool) Release(id int) {
	if id < p.minID || id > p.maxID {
		p.logger.Debug("ignoring release of identity outside range", "id", id)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := uint(id - p.minID)
	if p.used.Test(idx) {
		p.used.Clear(idx)
		p.inUse--
	}

	if id < p.cursor {
		p.cursor = id
	}

	p.metrics.RecordIdentitiesInUse(p.inUse)
}

// InUse returns the number of identities currently marked used.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inUse
}

// Cursor returns the position the next scan starts from.
func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cursor
}

func (p *Pool) claimFromLocked(from int) (int, bool) {
	idx, ok := p.used.NextClear(uint(from - p.minID))
	if !ok || idx > uint(p.maxID-p.minID) {
		return 0, false
	}

	p.used.Set(idx)
	p.inUse++

	id := p.minID + int(idx)
	p.cursor = id + 1

	return id, true
}

func (p *Pool) reconcileLocked(ctx context.Context) error {
	if p.src == nil {
		return nil
	}

	subs, err := p.src.FindAllSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("reconcile identities: %w", err)
	}

	marked := 0
	for _, sub := range subs {
		if sub.ID < p.minID || sub.ID > p.maxID {
			continue
		}
		idx := uint(sub.ID - p.minID)
		if !p.used.Test(idx) {
			p.used.Set(idx)
			p.inUse++
			marked++
		}
	}

	p.logger.Debug("identity pool reconciled", "stored", len(subs), "newlyMarked", marked, "inUse", p.inUse)

	return nil
}
