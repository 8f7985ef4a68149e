package validation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Record field names.
const (
	FieldDialogID      = "dialogId"
	FieldSequenceID    = "sequenceId"
	FieldRequestID     = "requestId"
	FieldSubscriberID  = "subscriberId"
	FieldCertificate   = "certificate"
	FieldDestHost      = "destHost"
	FieldDestPort      = "destPort"
	FieldFromForwarder = "fromForwarder"
	FieldEndTime       = "endTime"
	FieldType          = "type"
	FieldTypeValue     = "typeValue"
	FieldNWPos         = "nwPos"
	FieldSEPos         = "sePos"
	FieldLat           = "lat"
	FieldLon           = "lon"
)

// ErrMalformedRecord is returned when an inbound record is not a JSON object.
var ErrMalformedRecord = errors.New("malformed subscription record")

// endTimeLayouts are tried in order; layouts without a zone are read as UTC.
var endTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Record is a read-only view over one inbound JSON record.
//
// A key whose value is JSON null is treated as absent.
type Record struct {
	raw []byte
}

// ParseRecord validates that b holds a JSON object and wraps it.
func ParseRecord(b []byte) (*Record, error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedRecord)
	}
	if !gjson.ParseBytes(b).IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedRecord)
	}

	return &Record{raw: b}, nil
}

// Raw returns the underlying JSON bytes.
func (r *Record) Raw() []byte {
	return r.raw
}

func (r *Record) get(path string) gjson.Result {
	return gjson.GetBytes(r.raw, path)
}

// Has reports whether key is present with a non-null value.
func (r *Record) Has(key string) bool {
	return present(r.get(key))
}

// WireID returns the integer value of key when it fits the 4-byte identifier
// field of a response, read as either a signed or an unsigned 32-bit value.
func (r *Record) WireID(key string) (int, bool) {
	v, ok := r.Int(key)
	if !ok || int64(v) < math.MinInt32 || int64(v) > math.MaxUint32 {
		return 0, false
	}

	return v, true
}

// Int returns the integer value of key.
//
// ok is false when the key is absent or its value is not an integer
// (numbers with a fractional part and non-numeric strings are rejected).
func (r *Record) Int(key string) (int, bool) {
	return intValue(r.get(key))
}

// String returns the string value of key; ok is false when absent or empty.
func (r *Record) String(key string) (string, bool) {
	v := r.get(key)
	if !present(v) {
		return "", false
	}

	s := strings.TrimSpace(v.String())

	return s, s != ""
}

// Bool returns the boolean value of key. Strings "true"/"false" are accepted.
func (r *Record) Bool(key string) bool {
	v := r.get(key)
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		return err == nil && b
	default:
		return false
	}
}

// Certificate decodes the base64 certificate field.
//
// A missing certificate returns (nil, nil).
func (r *Record) Certificate() ([]byte, error) {
	s, ok := r.String(FieldCertificate)
	if !ok {
		return nil, nil
	}

	cert, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		cert, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}

	return cert, nil
}

// EndTime parses the end time field and normalizes it to UTC.
func (r *Record) EndTime() (time.Time, bool, error) {
	s, ok := r.String(FieldEndTime)
	if !ok {
		return time.Time{}, false, nil
	}

	var lastErr error
	for _, layout := range endTimeLayouts {
		ts, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return ts.UTC(), true, nil
		}
		lastErr = err
	}

	return time.Time{}, true, fmt.Errorf("parse end time %q: %w", s, lastErr)
}

// position describes one nested corner object.
type position struct {
	value  gjson.Result
	exists bool
}

func (r *Record) position(key string) position {
	v := r.get(key)
	return position{value: v, exists: v.Exists()}
}

// empty reports whether the corner counts as absent for bounding-box
// detection: missing, null, an empty object, or an object whose members are
// all null or empty.
func (p position) empty() bool {
	if !present(p.value) {
		return true
	}
	if !p.value.IsObject() {
		return false
	}

	empty := true
	p.value.ForEach(func(_, v gjson.Result) bool {
		if present(v) && !(v.Type == gjson.String && strings.TrimSpace(v.Str) == "") {
			empty = false
			return false
		}

		return true
	})

	return empty
}

func (p position) coord(key string) (float64, bool) {
	if !p.value.IsObject() {
		return 0, false
	}

	v := p.value.Get(key)
	if !present(v) {
		return 0, false
	}

	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null
}

func intValue(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			f := v.Num
			if f != float64(int64(f)) {
				return 0, false
			}
			return int(f), true
		}
		return int(n), true
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str))
		return n, err == nil
	default:
		return 0, false
	}
}
