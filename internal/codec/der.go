// Package codec encodes subscription outcomes as DER DataSubscriptionResponse messages.
//
//	DataSubscriptionResponse ::= SEQUENCE {
//	    dialogID   INTEGER,
//	    seqID      INTEGER,
//	    groupID    OCTET STRING (SIZE(4)),
//	    requestID  OCTET STRING (SIZE(4)),
//	    subID      OCTET STRING (SIZE(4)),
//	    err        [0] IMPLICIT INTEGER OPTIONAL
//	}
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

var errTag = asn1.Tag(0).ContextSpecific()

// Errors returned by the codec.
var (
	ErrMalformed  = errors.New("malformed DataSubscriptionResponse")
	ErrOutOfRange = errors.New("identifier does not fit in 4 bytes")
)

// Response is a decoded DataSubscriptionResponse.
type Response struct {
	DialogID     int
	SequenceID   int
	GroupID      uint32
	RequestID    uint32
	SubscriberID uint32
	Code         types.ResponseCode
}

// DER implements types.Codec.
type DER struct {
	groupID uint32
}

var _ types.Codec = (*DER)(nil)

// NewDER creates a codec that stamps every response with groupID.
func NewDER(groupID uint32) *DER {
	return &DER{groupID: groupID}
}

// Encode renders outcome as a DER DataSubscriptionResponse.
//
// The error field is omitted for successful outcomes.
func (c *DER) Encode(outcome types.Outcome) ([]byte, error) {
	requestID, err := fourBytes(outcome.RequestID)
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}
	subID, err := fourBytes(outcome.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("subscriber id: %w", err)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(types.DialogDataSubscription)
		b.AddASN1Int64(types.SequenceSubscriptionResponse)
		b.AddASN1OctetString(binary.BigEndian.AppendUint32(nil, c.groupID))
		b.AddASN1OctetString(requestID)
		b.AddASN1OctetString(subID)
		if outcome.Code.IsError() {
			b.AddASN1Int64WithTag(int64(outcome.Code), errTag)
		}
	})

	return b.Bytes()
}

// Decode parses a DER DataSubscriptionResponse.
func Decode(data []byte) (Response, error) {
	var (
		resp    Response
		seq     cryptobyte.String
		dialog  int64
		seqID   int64
		group   cryptobyte.String
		request cryptobyte.String
		sub     cryptobyte.String
	)

	input := cryptobyte.String(data)
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return resp, fmt.Errorf("%w: outer sequence", ErrMalformed)
	}
	if !seq.ReadASN1Integer(&dialog) || !seq.ReadASN1Integer(&seqID) {
		return resp, fmt.Errorf("%w: discriminators", ErrMalformed)
	}
	if !seq.ReadASN1(&group, asn1.OCTET_STRING) || len(group) != 4 ||
		!seq.ReadASN1(&request, asn1.OCTET_STRING) || len(request) != 4 ||
		!seq.ReadASN1(&sub, asn1.OCTET_STRING) || len(sub) != 4 {
		return resp, fmt.Errorf("%w: identifiers", ErrMalformed)
	}

	resp.DialogID = int(dialog)
	resp.SequenceID = int(seqID)
	resp.GroupID = binary.BigEndian.Uint32(group)
	resp.RequestID = binary.BigEndian.Uint32(request)
	resp.SubscriberID = binary.BigEndian.Uint32(sub)

	if seq.PeekASN1Tag(errTag) {
		var code int64
		if !seq.ReadASN1Int64WithTag(&code, errTag) {
			return resp, fmt.Errorf("%w: error code", ErrMalformed)
		}
		resp.Code = types.ResponseCode(code)
	}
	if !seq.Empty() {
		return resp, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	return resp, nil
}

// fourBytes accepts signed and unsigned 32-bit values; negatives are written
// in two's complement, as a signed 32-bit requester would have sent them.
func fourBytes(v int) ([]byte, error) {
	if int64(v) < math.MinInt32 || int64(v) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, v)
	}

	return binary.BigEndian.AppendUint32(nil, uint32(int64(v))), nil
}
