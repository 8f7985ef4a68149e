package types

import "strconv"

// ResponseCode is the closed set of error codes reported to requesters.
//
// CodeNone marks a successful outcome and is never encoded on the wire.
// Numeric values are stable and part of the response contract.
type ResponseCode int

const (
	// CodeNone indicates success.
	CodeNone ResponseCode = 0

	DialogIDMissing     ResponseCode = 1
	SequenceIDMissing   ResponseCode = 2
	RequestIDMissing    ResponseCode = 3
	SubscriberIDMissing ResponseCode = 4
	TargetHostMissing   ResponseCode = 5
	TargetPortMissing   ResponseCode = 6
	EndTimeMissing      ResponseCode = 7
	TypeMissing         ResponseCode = 8
	TypeValueMissing    ResponseCode = 9
	NWPosMissing        ResponseCode = 10
	SEPosMissing        ResponseCode = 11
	NWLatMissing        ResponseCode = 12
	NWLonMissing        ResponseCode = 13
	SELatMissing        ResponseCode = 14
	SELonMissing        ResponseCode = 15

	InternalServerError  ResponseCode = 100
	InvalidDialogID      ResponseCode = 101
	InvalidSequenceID    ResponseCode = 102
	ResourceLimitReached ResponseCode = 103
	InvalidEndTime       ResponseCode = 104
	InvalidRequestID     ResponseCode = 105
	InvalidBoundingBox   ResponseCode = 106
)

var responseCodeNames = map[ResponseCode]string{
	CodeNone:             "None",
	DialogIDMissing:      "DialogIDMissing",
	SequenceIDMissing:    "SequenceIDMissing",
	RequestIDMissing:     "RequestIdMissing",
	SubscriberIDMissing:  "SubscriberIdMissing",
	TargetHostMissing:    "TargetHostMissing",
	TargetPortMissing:    "TargetPortMissing",
	EndTimeMissing:       "EndTimeMissing",
	TypeMissing:          "TypeMissing",
	TypeValueMissing:     "TypeValueMissing",
	NWPosMissing:         "NWPosMissing",
	SEPosMissing:         "SEPosMissing",
	NWLatMissing:         "NWLatMissing",
	NWLonMissing:         "NWLonMissing",
	SELatMissing:         "SELatMissing",
	SELonMissing:         "SELonMissing",
	InternalServerError:  "InternalServerError",
	InvalidDialogID:      "InvalidDialogID",
	InvalidSequenceID:    "InvalidSequenceID",
	ResourceLimitReached: "ResourceLimitReached",
	InvalidEndTime:       "InvalidEndTime",
	InvalidRequestID:     "InvalidRequestId",
	InvalidBoundingBox:   "InvalidBoundingBox",
}

// String returns the taxonomy name of the code.
func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}

	return "ResponseCode(" + strconv.Itoa(int(c)) + ")"
}

// IsError reports whether the code represents a failure.
func (c ResponseCode) IsError() bool {
	return c != CodeNone
}

// Valid reports whether the code belongs to the closed taxonomy.
func (c ResponseCode) Valid() bool {
	_, ok := responseCodeNames[c]
	return ok
}
