// Package natsutil classifies NATS client errors.
package natsutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// transportFailures are client errors meaning the server was unreachable,
// as opposed to a request the server answered with a failure.
var transportFailures = []error{
	types.ErrConnectivity,
	nats.ErrTimeout,
	nats.ErrNoServers,
	nats.ErrDisconnected,
	nats.ErrConnectionClosed,
	nats.ErrConnectionDraining,
	nats.ErrNoResponders,
	jetstream.ErrNoStreamResponse,
}

// Dial errors surface from the net package as plain strings.
var transportMessages = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
}

// IsConnectivityError reports whether err means the NATS server could not be
// reached. Lives here rather than in types so that package has no NATS imports.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range transportFailures {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := err.Error()
	for _, fragment := range transportMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// Classify prefixes err with op. Connectivity failures additionally carry
// types.ErrConnectivity so the processor can map them to a server error.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrConnectivity), !IsConnectivityError(err):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, types.ErrConnectivity, err)
	}
}
