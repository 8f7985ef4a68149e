package replica

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Errors returned by the ordinal claimer.
var (
	ErrNoAvailableOrdinal = errors.New("no available replica ordinal")
	ErrNotClaimed         = errors.New("ordinal not claimed")
	ErrAlreadyClaimed     = errors.New("ordinal already claimed")
	ErrClaimLost          = errors.New("ordinal claim was lost")
)

const ordinalPrefix = "ordinal."

// OrdinalClaimer claims and renews a replica ordinal.
//
// It is also the leader gate in claim mode: the holder of ordinal 1 leads only
// while its claim is live, so a replica cut off longer than the TTL stops
// sweeping before another replica can take ordinal 1 over.
type OrdinalClaimer struct {
	kv         jetstream.KeyValue
	instanceID string
	maxOrdinal int
	ttl        time.Duration
	logger     types.Logger

	now func() time.Time

	mu        sync.Mutex
	ordinal   int
	revision  uint64
	renewedAt time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

var _ types.LeaderGate = (*OrdinalClaimer)(nil)

// NewOrdinalClaimer creates a claimer over ordinals 1..maxOrdinal.
//
// Parameters:
//   - kv: Bucket whose TTL expires abandoned claims
//   - instanceID: Unique id of this replica, stored as the claim value
//   - maxOrdinal: Highest ordinal handed out (inclusive)
//   - ttl: Bucket TTL; claims are renewed every ttl/3
//   - log: Logger (nop when nil)
//
// Example:
//
//	claimer := replica.NewOrdinalClaimer(kv, instanceID, 16, 15*time.Second, log)
//	ordinal, err := claimer.Claim(ctx)
func NewOrdinalClaimer(kv jetstream.KeyValue, instanceID string, maxOrdinal int, ttl time.Duration, log types.Logger) *OrdinalClaimer {
	return &OrdinalClaimer{
		kv:         kv,
		instanceID: instanceID,
		maxOrdinal: maxOrdinal,
		ttl:        ttl,
		logger:     logger.OrNop(log),
		now:        time.Now,
	}
}

// Claim takes the lowest free ordinal and starts renewing it in the background.
//
// Returns:
//   - int: Claimed ordinal (>= 1)
//   - error: ErrNoAvailableOrdinal, ErrAlreadyClaimed, context or NATS error
func (c *OrdinalClaimer) Claim(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ordinal != 0 {
		return 0, ErrAlreadyClaimed
	}

	for ordinal := 1; ordinal <= c.maxOrdinal; ordinal++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		rev, err := c.kv.Create(ctx, ordinalKey(ordinal), []byte(c.instanceID))
		if err == nil {
			c.ordinal = ordinal
			c.revision = rev
			c.renewedAt = c.now()
			c.stopCh = make(chan struct{})
			c.doneCh = make(chan struct{})
			go c.renewLoop(context.WithoutCancel(ctx), c.stopCh, c.doneCh)

			c.logger.Info("replica ordinal claimed", "ordinal", ordinal, "instance_id", c.instanceID)

			return ordinal, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("claim ordinal %d: %w", ordinal, err)
		}
	}

	c.logger.Error("no available replica ordinal", "max_ordinal", c.maxOrdinal)

	return 0, ErrNoAvailableOrdinal
}

// Ordinal returns the claimed ordinal, or 0 when nothing is claimed.
func (c *OrdinalClaimer) Ordinal() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ordinal
}

// IsLeader reports whether this replica holds ordinal 1 and renewed it within
// the TTL. A lost or stale claim demotes the replica.
func (c *OrdinalClaimer) IsLeader(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ordinal == 1 && c.now().Sub(c.renewedAt) < c.ttl
}

func (c *OrdinalClaimer) renewLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := c.renew(ctx); err != nil {
				c.logger.Error("failed to renew replica ordinal", "error", err)
				if errors.Is(err, ErrClaimLost) {
					return
				}
			}
		}
	}
}

// renew rewrites the claim at its last revision so a foreign takeover is detected.
func (c *OrdinalClaimer) renew(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ordinal == 0 {
		return ErrNotClaimed
	}

	rev, err := c.kv.Update(ctx, ordinalKey(c.ordinal), []byte(c.instanceID), c.revision)
	if err != nil {
		if claimTakenOver(err) {
			lost := c.ordinal
			c.ordinal = 0

			return fmt.Errorf("%w: ordinal %d", ErrClaimLost, lost)
		}

		return fmt.Errorf("renew ordinal %d: %w", c.ordinal, err)
	}
	c.revision = rev
	c.renewedAt = c.now()

	return nil
}

// Release stops renewal and deletes the claim so another replica can take it.
func (c *OrdinalClaimer) Release(ctx context.Context) error {
	c.mu.Lock()
	stopCh, doneCh := c.stopCh, c.doneCh
	c.stopCh = nil
	c.mu.Unlock()

	if stopCh == nil {
		return ErrNotClaimed
	}

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ordinal == 0 {
		return ErrClaimLost
	}
	ordinal := c.ordinal
	c.ordinal = 0

	if err := c.kv.Delete(ctx, ordinalKey(ordinal), jetstream.LastRevision(c.revision)); err != nil {
		return fmt.Errorf("release ordinal %d: %w", ordinal, err)
	}
	c.logger.Info("replica ordinal released", "ordinal", ordinal)

	return nil
}

// claimTakenOver reports whether err means the key no longer holds our revision.
func claimTakenOver(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}

	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func ordinalKey(ordinal int) string {
	return ordinalPrefix + strconv.Itoa(ordinal)
}
