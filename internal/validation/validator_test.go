package validation

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/idpool"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

var (
	testNow    = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	testRegion = types.BoundingBox{
		NW: types.Position{Lat: 43, Lon: -85},
		SE: types.Position{Lat: 41, Lon: -82},
	}
)

func newValidator(t *testing.T) (*Validator, *idpool.Pool) {
	t.Helper()

	pool, err := idpool.New(nil, idpool.WithRange(idpool.MinID, idpool.MinID+999))
	require.NoError(t, err)

	v, err := New(&testRegion, pool, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	return v, pool
}

// addRecord builds a valid add record; overrides replace or remove ("-") fields.
func addRecord(t *testing.T, overrides map[string]string) *Record {
	t.Helper()

	fields := map[string]string{
		FieldDialogID:   `155`,
		FieldSequenceID: `8`,
		FieldRequestID:  `1001`,
		FieldDestHost:   `"127.0.0.1"`,
		FieldDestPort:   `7443`,
		FieldEndTime:    `"2026-06-02T12:00:00"`,
		FieldType:       `"VsmType"`,
		FieldTypeValue:  `1`,
	}
	for k, v := range overrides {
		if v == "-" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}

	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%q:%s", k, v))
	}

	return mustRecord(t, "{"+strings.Join(parts, ",")+"}")
}

func TestNew_Region(t *testing.T) {
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrRegionNotSet)

	inverted := types.BoundingBox{NW: testRegion.SE, SE: testRegion.NW}
	_, err = New(&inverted, nil)
	require.ErrorIs(t, err, ErrInvalidRegion)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want Kind
	}{
		{`{"dialogId":155,"sequenceId":8}`, KindAdd},
		{`{"dialogId":155,"sequenceId":10}`, KindCancel},
		{`{"dialogId":155,"sequenceId":9}`, KindInvalid},
		{`{"dialogId":154,"sequenceId":8}`, KindInvalid},
		{`{"sequenceId":8}`, KindInvalid},
		{`{"dialogId":"garbled","sequenceId":8}`, KindInvalid},
		{`{"dialogId":155}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(mustRecord(t, tt.raw)))
		})
	}
}

func TestBuildSubscriber_Valid(t *testing.T) {
	v, pool := newValidator(t)

	r := addRecord(t, map[string]string{
		FieldCertificate:   `"AQID"`,
		FieldFromForwarder: `"true"`,
		FieldNWPos:         `{"lat":42.5,"lon":-84}`,
		FieldSEPos:         `{"lat":41.5,"lon":-83}`,
	})

	sub, err := v.BuildSubscriber(t.Context(), r)
	require.NoError(t, err)
	require.Equal(t, idpool.MinID, sub.ID)
	require.Equal(t, "127.0.0.1", sub.DestHost)
	require.Equal(t, 7443, sub.DestPort)
	require.True(t, sub.FromForwarder)
	require.Equal(t, []byte{1, 2, 3}, sub.Certificate)
	require.Equal(t, sub.ID, sub.Filter.SubscriberID)
	require.Equal(t, 1001, sub.Filter.RequestID)
	require.Equal(t, "VsmType", sub.Filter.Type)
	require.Equal(t, 1, sub.Filter.TypeValue)
	require.Equal(t, time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC), sub.Filter.EndTime)
	require.NotNil(t, sub.Filter.BoundingBox)
	require.InDelta(t, 42.5, sub.Filter.BoundingBox.NW.Lat, 0)
	require.Equal(t, 1, pool.InUse())
}

func TestBuildSubscriber_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
		want      types.ResponseCode
		allocated bool
	}{
		{"host precedes end time", map[string]string{FieldDestHost: "-", FieldEndTime: "-"}, types.TargetHostMissing, false},
		{"port missing", map[string]string{FieldDestPort: "-"}, types.TargetPortMissing, false},
		{"nw without se", map[string]string{FieldNWPos: `{"lat":42,"lon":-84}`}, types.SEPosMissing, true},
		{"se without nw", map[string]string{FieldSEPos: `{"lat":42,"lon":-84}`}, types.NWPosMissing, true},
		{"nw lat missing", map[string]string{FieldNWPos: `{"lon":-84}`, FieldSEPos: `{"lat":42,"lon":-83}`}, types.NWLatMissing, true},
		{"nw lon missing", map[string]string{FieldNWPos: `{"lat":42.5}`, FieldSEPos: `{"lat":42,"lon":-83}`}, types.NWLonMissing, true},
		{"se lat missing", map[string]string{FieldNWPos: `{"lat":42.5,"lon":-84}`, FieldSEPos: `{"lon":-83}`}, types.SELatMissing, true},
		{"se lon missing", map[string]string{FieldNWPos: `{"lat":42.5,"lon":-84}`, FieldSEPos: `{"lat":42}`}, types.SELonMissing, true},
		{"latitude out of range", map[string]string{FieldNWPos: `{"lat":95,"lon":-84}`, FieldSEPos: `{"lat":42,"lon":-83}`}, types.InvalidBoundingBox, true},
		{"corners misordered", map[string]string{FieldNWPos: `{"lat":41.5,"lon":-84}`, FieldSEPos: `{"lat":42.5,"lon":-83}`}, types.InvalidBoundingBox, true},
		{"outside region", map[string]string{FieldNWPos: `{"lat":44,"lon":-84}`, FieldSEPos: `{"lat":42,"lon":-83}`}, types.InvalidBoundingBox, true},
		{"end time missing", map[string]string{FieldEndTime: "-", FieldType: "-"}, types.EndTimeMissing, true},
		{"type missing", map[string]string{FieldType: "-", FieldRequestID: "-"}, types.TypeMissing, true},
		{"type value missing", map[string]string{FieldTypeValue: "-"}, types.TypeValueMissing, true},
		{"request id missing", map[string]string{FieldRequestID: "-"}, types.RequestIDMissing, true},
		{"end time in past", map[string]string{FieldEndTime: `"2026-05-01T00:00:00"`}, types.InvalidEndTime, true},
		{"end time equal to now", map[string]string{FieldEndTime: `"2026-06-01T12:00:00Z"`}, types.InvalidEndTime, true},
		{"end time unparseable", map[string]string{FieldEndTime: `"soon"`}, types.InternalServerError, true},
		{"request id wider than 32 bits", map[string]string{FieldRequestID: "4294967296"}, types.RequestIDMissing, true},
		{"certificate not base64", map[string]string{FieldCertificate: `"@@@"`}, types.InternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, pool := newValidator(t)

			_, err := v.BuildSubscriber(t.Context(), addRecord(t, tt.overrides))
			require.Error(t, err)
			require.Equal(t, tt.want, types.CodeOf(err))
			require.Zero(t, pool.InUse(), "identity must never leak on rejection")

			if tt.allocated {
				require.Equal(t, idpool.MinID, pool.Cursor(), "released identity rewinds the cursor")
			}
		})
	}
}

func TestBoundingBox_EmptyCornersAreAbsent(t *testing.T) {
	v, _ := newValidator(t)

	tests := []string{
		`{}`,
		`{"nwPos":null,"sePos":null}`,
		`{"nwPos":{},"sePos":{}}`,
		`{"nwPos":{"lat":null,"lon":null},"sePos":{}}`,
		`{"nwPos":null}`,
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			bbox, err := v.BoundingBox(mustRecord(t, raw))
			require.NoError(t, err)
			require.Nil(t, bbox)
		})
	}
}

func TestBuildCancellation(t *testing.T) {
	c, err := BuildCancellation(mustRecord(t, `{"subscriberId":10000001,"requestId":1001}`))
	require.NoError(t, err)
	require.Equal(t, types.Cancellation{SubscriberID: 10000001, RequestID: 1001}, c)

	_, err = BuildCancellation(mustRecord(t, `{"requestId":1001}`))
	require.Equal(t, types.SubscriberIDMissing, types.CodeOf(err))

	_, err = BuildCancellation(mustRecord(t, `{"subscriberId":10000001}`))
	require.Equal(t, types.RequestIDMissing, types.CodeOf(err))

	c, err = BuildCancellation(mustRecord(t, `{"subscriberId":10000001,"requestId":-5}`))
	require.NoError(t, err)
	require.Equal(t, -5, c.RequestID)

	_, err = BuildCancellation(mustRecord(t, `{"subscriberId":10000001,"requestId":-2147483649}`))
	require.Equal(t, types.RequestIDMissing, types.CodeOf(err))
}

func TestDiagnose(t *testing.T) {
	const dest = `"destHost":"10.0.0.1","destPort":4000`

	tests := []struct {
		raw         string
		want        types.ResponseCode
		deliverable bool
	}{
		{`{"sequenceId":8}`, types.CodeNone, false},
		{`{"destHost":"10.0.0.1","sequenceId":8}`, types.CodeNone, false},
		{`{` + dest + `}`, types.DialogIDMissing, true},
		{`{` + dest + `,"dialogId":154}`, types.InvalidDialogID, true},
		{`{` + dest + `,"dialogId":"x"}`, types.InvalidDialogID, true},
		{`{` + dest + `,"dialogId":155}`, types.SequenceIDMissing, true},
		{`{` + dest + `,"dialogId":155,"sequenceId":9}`, types.InvalidSequenceID, true},
		{`{` + dest + `,"dialogId":155,"sequenceId":10}`, types.SubscriberIDMissing, true},
		{`{` + dest + `,"dialogId":155,"sequenceId":10,"subscriberId":1}`, types.RequestIDMissing, true},
		{`{` + dest + `,"dialogId":155,"sequenceId":10,"subscriberId":1,"requestId":2}`, types.InternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			code, deliverable := Diagnose(mustRecord(t, tt.raw))
			require.Equal(t, tt.deliverable, deliverable)
			require.Equal(t, tt.want, code)
		})
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "add", KindAdd.String())
	require.Equal(t, "cancel", KindCancel.String())
	require.Equal(t, "invalid", KindInvalid.String())
}
