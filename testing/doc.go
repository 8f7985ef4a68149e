// Package testing provides test utilities for the subscription engine.
//
// The helpers start an in-process NATS server with JetStream so store,
// election and ingest code can be exercised without external services,
// in the spirit of net/http/httptest.
//
// Example usage:
//
//	import (
//	    "testing"
//	    dstest "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/testing"
//	)
//
//	func TestStore(t *testing.T) {
//	    _, nc := dstest.StartEmbeddedNATS(t)
//	    js := dstest.JetStream(t, nc)
//	}
package testing
