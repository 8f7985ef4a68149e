package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Errors returned by the lease.
var (
	ErrNotLeader      = errors.New("not the leader")
	ErrLeadershipLost = errors.New("leadership was lost")
)

// Lease is a leadership claim on a single key of a JetStream KV bucket.
//
// Creation is atomic, so at most one instance holds the key. Renewal uses
// the last known revision and fails if anyone else wrote the key. Expiry is
// enforced by the bucket TTL.
type Lease struct {
	kv         jetstream.KeyValue
	key        string
	instanceID string

	mu       sync.RWMutex
	revision uint64
	held     bool
}

// NewLease creates a lease on key for instanceID.
func NewLease(kv jetstream.KeyValue, key, instanceID string) *Lease {
	return &Lease{kv: kv, key: key, instanceID: instanceID}
}

// InstanceID returns the identity written into the lease key.
func (l *Lease) InstanceID() string {
	return l.instanceID
}

// Campaign acquires the lease, or renews it when already held.
//
// Returns true while this instance holds the lease. A lease held by another
// instance is not an error.
func (l *Lease) Campaign(ctx context.Context) (bool, error) {
	if l.Held() {
		err := l.Renew(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrLeadershipLost) {
			return false, err
		}
	}

	revision, err := l.kv.Create(ctx, l.key, l.value())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}

		return false, fmt.Errorf("%w: create lease key: %w", types.ErrElectionFailed, err)
	}

	l.set(true, revision)

	return true, nil
}

// Renew extends a held lease.
func (l *Lease) Renew(ctx context.Context) error {
	held, revision := l.state()
	if !held {
		return ErrNotLeader
	}

	next, err := l.kv.Update(ctx, l.key, l.value(), revision)
	if err != nil {
		l.set(false, 0)
		return fmt.Errorf("%w: %w", ErrLeadershipLost, err)
	}
	l.set(true, next)

	return nil
}

// Release deletes the lease key so another instance can take over at once.
func (l *Lease) Release(ctx context.Context) error {
	held, revision := l.state()
	if !held {
		return ErrNotLeader
	}
	l.set(false, 0)

	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete lease key: %w", err)
	}

	return nil
}

// Held reports the locally cached lease state.
func (l *Lease) Held() bool {
	held, _ := l.state()
	return held
}

func (l *Lease) value() []byte {
	return fmt.Appendf(nil, "%s:%d", l.instanceID, time.Now().Unix())
}

func (l *Lease) state() (bool, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.held, l.revision
}

func (l *Lease) set(held bool, revision uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = held
	l.revision = revision
}
