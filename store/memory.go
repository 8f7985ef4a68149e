package store

import (
	"context"
	"slices"
	"sync"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Memory implements types.SubscriptionStore with in-process maps.
//
// Records are copied on the way in and out, so callers never share
// certificate or bounding-box memory with the store.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[int]types.Subscriber
	filters     map[int]types.Filter
}

var _ types.SubscriptionStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemory()
//	proc, err := datasink.NewProcessor(&cfg, st)
func NewMemory() *Memory {
	return &Memory{
		subscribers: make(map[int]types.Subscriber),
		filters:     make(map[int]types.Filter),
	}
}

func (m *Memory) CreateSubscriber(_ context.Context, id int, sub types.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[id]; ok {
		return types.ErrSubscriberExists
	}
	m.subscribers[id] = cloneSubscriber(id, sub)

	return nil
}

func (m *Memory) UpsertSubscriber(_ context.Context, id int, sub types.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers[id] = cloneSubscriber(id, sub)

	return nil
}

func (m *Memory) FindSubscriberByID(_ context.Context, id int) (types.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return types.Subscriber{}, types.ErrNotFound
	}

	return cloneSubscriber(id, sub), nil
}

func (m *Memory) FindAllSubscribers(_ context.Context) ([]types.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]types.Subscriber, 0, len(m.subscribers))
	for id, sub := range m.subscribers {
		result = append(result, cloneSubscriber(id, sub))
	}
	slices.SortFunc(result, func(a, b types.Subscriber) int { return a.ID - b.ID })

	return result, nil
}

func (m *Memory) DeleteSubscriber(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.filters[id]; ok {
		return types.ErrSubscriberHasFilter
	}
	delete(m.subscribers, id)

	return nil
}

func (m *Memory) InsertFilter(_ context.Context, id int, f types.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[id]; !ok {
		return types.ErrSubscriberNotFound
	}
	if _, ok := m.filters[id]; ok {
		return types.ErrFilterExists
	}
	m.filters[id] = cloneFilter(id, f)

	return nil
}

func (m *Memory) FindFilterByID(_ context.Context, id int) (types.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.filters[id]
	if !ok {
		return types.Filter{}, types.ErrNotFound
	}

	return cloneFilter(id, f), nil
}

func (m *Memory) FindAllFilters(_ context.Context) ([]types.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]types.Filter, 0, len(m.filters))
	for id, f := range m.filters {
		result = append(result, cloneFilter(id, f))
	}
	slices.SortFunc(result, func(a, b types.Filter) int { return a.SubscriberID - b.SubscriberID })

	return result, nil
}

func (m *Memory) DeleteFilter(_ context.Context, id int, requestID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.filters[id]; ok && f.RequestID == requestID {
		delete(m.filters, id)
	}

	return nil
}

func cloneSubscriber(id int, sub types.Subscriber) types.Subscriber {
	sub.ID = id
	sub.Certificate = slices.Clone(sub.Certificate)
	sub.Filter = types.Filter{}

	return sub
}

func cloneFilter(id int, f types.Filter) types.Filter {
	f.SubscriberID = id
	f.EndTime = f.EndTime.UTC()
	if f.BoundingBox != nil {
		bbox := *f.BoundingBox
		f.BoundingBox = &bbox
	}

	return f
}
