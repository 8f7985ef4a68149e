package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Kind is the classification of an inbound record.
type Kind int

const (
	// KindInvalid is any record that is neither an add nor a cancel.
	KindInvalid Kind = iota
	// KindAdd is a subscription request.
	KindAdd
	// KindCancel is a subscription cancel.
	KindCancel
)

// String returns the metric label of the kind.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindCancel:
		return "cancel"
	default:
		return "invalid"
	}
}

// Errors returned when building a Validator.
var (
	ErrRegionNotSet  = errors.New("supported region not set")
	ErrInvalidRegion = errors.New("supported region is not a well-formed bounding box")
)

// Allocator hands out and reclaims subscriber identities.
type Allocator interface {
	Next(ctx context.Context) (int, error)
	Release(id int)
}

// Validator builds validated subscribers against a fixed supported region.
type Validator struct {
	region types.BoundingBox
	ids    Allocator
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source used for end-time checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a Validator for the given supported region.
//
// Parameters:
//   - region: Supported service region; nil is a configuration error
//   - ids: Identity allocator used by BuildSubscriber
//
// Returns:
//   - *Validator: Ready validator
//   - error: ErrRegionNotSet or ErrInvalidRegion
func New(region *types.BoundingBox, ids Allocator, opts ...Option) (*Validator, error) {
	if region == nil {
		return nil, ErrRegionNotSet
	}
	if !region.WellFormed() {
		return nil, fmt.Errorf("%w: nw=%v se=%v", ErrInvalidRegion, region.NW, region.SE)
	}

	v := &Validator{region: *region, ids: ids, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Region returns the supported region.
func (v *Validator) Region() types.BoundingBox {
	return v.region
}

// Classify selects add, cancel or invalid from the dialog and sequence discriminators.
func Classify(r *Record) Kind {
	dialog, ok := r.Int(FieldDialogID)
	if !ok || dialog != types.DialogDataSubscription {
		return KindInvalid
	}

	seq, ok := r.Int(FieldSequenceID)
	if !ok {
		return KindInvalid
	}

	switch seq {
	case types.SequenceSubscriptionRequest:
		return KindAdd
	case types.SequenceSubscriptionCancel:
		return KindCancel
	default:
		return KindInvalid
	}
}

// Destination returns the requester's destination when both host and port are present.
func Destination(r *Record) (string, int, bool) {
	host, ok := r.String(FieldDestHost)
	if !ok {
		return "", 0, false
	}

	port, ok := r.Int(FieldDestPort)
	if !ok {
		return "", 0, false
	}

	return host, port, true
}

// BuildSubscriber validates an add record and allocates its identity.
//
// The identity is released again if any check after allocation fails.
//
// Returns:
//   - types.Subscriber: Validated subscriber with its filter
//   - error: *types.SubscriptionError carrying the rejection code
func (v *Validator) BuildSubscriber(ctx context.Context, r *Record) (sub types.Subscriber, err error) {
	host, ok := r.String(FieldDestHost)
	if !ok {
		return sub, types.NewSubscriptionError(types.TargetHostMissing, "destination host missing")
	}

	port, ok := r.Int(FieldDestPort)
	if !ok {
		return sub, types.NewSubscriptionError(types.TargetPortMissing, "destination port missing")
	}

	id, err := v.ids.Next(ctx)
	if err != nil {
		return sub, err
	}

	defer func() {
		if err != nil {
			v.ids.Release(id)
			sub = types.Subscriber{}
		}
	}()

	bbox, err := v.BoundingBox(r)
	if err != nil {
		return sub, err
	}

	filter, err := v.buildFilter(r, id, bbox)
	if err != nil {
		return sub, err
	}

	cert, err := r.Certificate()
	if err != nil {
		return sub, types.WrapSubscriptionError(types.InternalServerError, "certificate is not valid base64", err)
	}

	return types.Subscriber{
		ID:            id,
		Certificate:   cert,
		DestHost:      host,
		DestPort:      port,
		FromForwarder: r.Bool(FieldFromForwarder),
		Filter:        filter,
	}, nil
}

func (v *Validator) buildFilter(r *Record, id int, bbox *types.BoundingBox) (types.Filter, error) {
	if !r.Has(FieldEndTime) {
		return types.Filter{}, types.NewSubscriptionError(types.EndTimeMissing, "end time missing")
	}

	typ, ok := r.String(FieldType)
	if !ok {
		return types.Filter{}, types.NewSubscriptionError(types.TypeMissing, "type missing")
	}

	typeValue, ok := r.Int(FieldTypeValue)
	if !ok {
		return types.Filter{}, types.NewSubscriptionError(types.TypeValueMissing, "type value missing")
	}

	requestID, ok := r.WireID(FieldRequestID)
	if !ok {
		return types.Filter{}, types.NewSubscriptionError(types.RequestIDMissing, "request id missing or wider than 32 bits")
	}

	endTime, _, err := r.EndTime()
	if err != nil {
		return types.Filter{}, types.WrapSubscriptionError(types.InternalServerError, "end time is not a valid timestamp", err)
	}

	if !endTime.After(v.now().UTC()) {
		return types.Filter{}, types.NewSubscriptionError(types.InvalidEndTime, "end time is not in the future")
	}

	return types.Filter{
		SubscriberID: id,
		EndTime:      endTime,
		Type:         typ,
		TypeValue:    typeValue,
		RequestID:    requestID,
		BoundingBox:  bbox,
	}, nil
}

// BoundingBox extracts and validates the optional bounding box.
//
// The box is absent when neither corner key is present or both corners are
// empty. An all-null or empty corner object counts as empty, which takes
// precedence over reporting its individual missing coordinates.
//
// Returns:
//   - *types.BoundingBox: nil when absent
//   - error: *types.SubscriptionError for partial, malformed or out-of-region boxes
func (v *Validator) BoundingBox(r *Record) (*types.BoundingBox, error) {
	nw := r.position(FieldNWPos)
	se := r.position(FieldSEPos)

	if (!nw.exists && !se.exists) || (nw.empty() && se.empty()) {
		return nil, nil
	}
	if nw.exists && !se.exists {
		return nil, types.NewSubscriptionError(types.SEPosMissing, "south-east position missing")
	}
	if !nw.exists && se.exists {
		return nil, types.NewSubscriptionError(types.NWPosMissing, "north-west position missing")
	}

	nwLat, ok := nw.coord(FieldLat)
	if !ok {
		return nil, types.NewSubscriptionError(types.NWLatMissing, "north-west latitude missing")
	}
	nwLon, ok := nw.coord(FieldLon)
	if !ok {
		return nil, types.NewSubscriptionError(types.NWLonMissing, "north-west longitude missing")
	}
	seLat, ok := se.coord(FieldLat)
	if !ok {
		return nil, types.NewSubscriptionError(types.SELatMissing, "south-east latitude missing")
	}
	seLon, ok := se.coord(FieldLon)
	if !ok {
		return nil, types.NewSubscriptionError(types.SELonMissing, "south-east longitude missing")
	}

	bbox := types.BoundingBox{
		NW: types.Position{Lat: nwLat, Lon: nwLon},
		SE: types.Position{Lat: seLat, Lon: seLon},
	}

	if !bbox.WellFormed() {
		return nil, types.NewSubscriptionError(types.InvalidBoundingBox, "bounding box coordinates out of range or misordered")
	}
	if !v.region.Contains(bbox.NW) || !v.region.Contains(bbox.SE) {
		return nil, types.NewSubscriptionError(types.InvalidBoundingBox, "bounding box outside supported region")
	}

	return &bbox, nil
}

// BuildCancellation validates a cancel record.
func BuildCancellation(r *Record) (types.Cancellation, error) {
	id, ok := r.WireID(FieldSubscriberID)
	if !ok {
		return types.Cancellation{}, types.NewSubscriptionError(types.SubscriberIDMissing, "subscriber id missing")
	}

	requestID, ok := r.WireID(FieldRequestID)
	if !ok {
		return types.Cancellation{}, types.NewSubscriptionError(types.RequestIDMissing, "request id missing")
	}

	return types.Cancellation{SubscriberID: id, RequestID: requestID}, nil
}

// Diagnose computes the best-effort code for a record classified invalid.
//
// deliverable is false when the record carries no destination host and port;
// the caller must then log the condition instead of responding.
func Diagnose(r *Record) (code types.ResponseCode, deliverable bool) {
	if _, _, ok := Destination(r); !ok {
		return types.CodeNone, false
	}

	switch {
	case !r.Has(FieldDialogID):
		return types.DialogIDMissing, true
	case !isDialogValid(r):
		return types.InvalidDialogID, true
	case !r.Has(FieldSequenceID):
		return types.SequenceIDMissing, true
	case !isSequenceValid(r):
		return types.InvalidSequenceID, true
	case !r.Has(FieldSubscriberID):
		return types.SubscriberIDMissing, true
	case !r.Has(FieldRequestID):
		return types.RequestIDMissing, true
	default:
		return types.InternalServerError, true
	}
}

func isDialogValid(r *Record) bool {
	dialog, ok := r.Int(FieldDialogID)
	return ok && dialog == types.DialogDataSubscription
}

func isSequenceValid(r *Record) bool {
	seq, ok := r.Int(FieldSequenceID)
	return ok && (seq == types.SequenceSubscriptionRequest || seq == types.SequenceSubscriptionCancel)
}
