package types

import "time"

// Protocol discriminators for the data subscription dialog.
const (
	// DialogDataSubscription identifies the data subscription dialog.
	DialogDataSubscription = 155

	// SequenceSubscriptionRequest marks an add request.
	SequenceSubscriptionRequest = 8

	// SequenceSubscriptionResponse marks an outbound response.
	SequenceSubscriptionResponse = 9

	// SequenceSubscriptionCancel marks a cancel request.
	SequenceSubscriptionCancel = 10
)

// Position is a single geographic coordinate pair in decimal degrees.
type Position struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// BoundingBox is a rectangle given by its north-west and south-east corners.
type BoundingBox struct {
	NW Position `json:"nwPos" yaml:"nw"`
	SE Position `json:"sePos" yaml:"se"`
}

// Contains reports whether p lies inside the box, edges included.
func (b BoundingBox) Contains(p Position) bool {
	return p.Lat <= b.NW.Lat && p.Lat >= b.SE.Lat &&
		p.Lon >= b.NW.Lon && p.Lon <= b.SE.Lon
}

// WellFormed reports whether the corners are in range and correctly ordered.
func (b BoundingBox) WellFormed() bool {
	for _, p := range []Position{b.NW, b.SE} {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return false
		}
	}

	return b.NW.Lat >= b.SE.Lat && b.NW.Lon <= b.SE.Lon
}

// Subscriber is the persisted identity of one subscription.
type Subscriber struct {
	ID            int
	Certificate   []byte
	DestHost      string
	DestPort      int
	FromForwarder bool
	Filter        Filter
}

// Filter is the persisted predicate owned by exactly one Subscriber.
type Filter struct {
	SubscriberID int
	EndTime      time.Time
	Type         string
	TypeValue    int
	RequestID    int
	BoundingBox  *BoundingBox
}

// Expired reports whether the filter's end time is not after now.
func (f Filter) Expired(now time.Time) bool {
	return !f.EndTime.After(now)
}

// Cancellation is a validated cancel request.
type Cancellation struct {
	SubscriberID int
	RequestID    int
}

// Outcome is the result of processing one request, destined for the requester.
type Outcome struct {
	DestHost      string
	DestPort      int
	SubscriberID  int
	RequestID     int
	Code          ResponseCode
	Certificate   []byte
	FromForwarder bool
}

// Succeeded reports whether the outcome carries no error code.
func (o Outcome) Succeeded() bool {
	return !o.Code.IsError()
}
