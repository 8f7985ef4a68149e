// Package validation classifies inbound subscription records and turns them
// into validated domain values or coded rejections.
//
// Checks run in a fixed order and stop at the first failure, so the code a
// requester receives is deterministic for a given record:
//
//	destination host, destination port, identity allocation,
//	bounding box, end time, type, type value, request id, end time in future
//
// Identity allocation happens before the bounding box and filter checks; any
// later failure releases the identity before the error is returned.
package validation
