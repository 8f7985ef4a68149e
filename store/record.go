package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// subscriberRecord is the persisted form of a subscriber.
type subscriberRecord struct {
	ID            int    `json:"id"`
	Certificate   []byte `json:"certificate,omitempty"`
	DestHost      string `json:"destHost"`
	DestPort      int    `json:"destPort"`
	FromForwarder bool   `json:"fromForwarder,omitempty"`
}

// filterRecord is the persisted form of a filter.
type filterRecord struct {
	SubscriberID int                `json:"subscriberId"`
	EndTime      time.Time          `json:"endTime"`
	Type         string             `json:"type"`
	TypeValue    int                `json:"typeValue"`
	RequestID    int                `json:"requestId"`
	BoundingBox  *types.BoundingBox `json:"boundingBox,omitempty"`
}

func encodeSubscriber(id int, sub types.Subscriber) ([]byte, error) {
	data, err := json.Marshal(subscriberRecord{
		ID:            id,
		Certificate:   sub.Certificate,
		DestHost:      sub.DestHost,
		DestPort:      sub.DestPort,
		FromForwarder: sub.FromForwarder,
	})
	if err != nil {
		return nil, fmt.Errorf("encode subscriber %d: %w", id, err)
	}

	return data, nil
}

func decodeSubscriber(data []byte) (types.Subscriber, error) {
	var rec subscriberRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.Subscriber{}, fmt.Errorf("decode subscriber: %w", err)
	}

	return types.Subscriber{
		ID:            rec.ID,
		Certificate:   rec.Certificate,
		DestHost:      rec.DestHost,
		DestPort:      rec.DestPort,
		FromForwarder: rec.FromForwarder,
	}, nil
}

func encodeFilter(id int, f types.Filter) ([]byte, error) {
	data, err := json.Marshal(filterRecord{
		SubscriberID: id,
		EndTime:      f.EndTime.UTC(),
		Type:         f.Type,
		TypeValue:    f.TypeValue,
		RequestID:    f.RequestID,
		BoundingBox:  f.BoundingBox,
	})
	if err != nil {
		return nil, fmt.Errorf("encode filter %d: %w", id, err)
	}

	return data, nil
}

func decodeFilter(data []byte) (types.Filter, error) {
	var rec filterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.Filter{}, fmt.Errorf("decode filter: %w", err)
	}

	return types.Filter{
		SubscriberID: rec.SubscriberID,
		EndTime:      rec.EndTime.UTC(),
		Type:         rec.Type,
		TypeValue:    rec.TypeValue,
		RequestID:    rec.RequestID,
		BoundingBox:  rec.BoundingBox,
	}, nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger types.Logger
}

// WithLogger sets the store logger.
func WithLogger(l types.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logger.OrNop(o.logger)

	return o
}
