// Package response turns lifecycle outcomes into outbound messages.
package response

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// DefaultPollInterval bounds how long the consumer waits between queue checks.
const DefaultPollInterval = time.Second

// Dispatch results recorded as metrics.
const (
	ResultSent            = "sent"
	ResultEncodeError     = "encode_error"
	ResultEncryptFallback = "encrypt_fallback"
	ResultSendError       = "send_error"
)

// Errors returned by the dispatcher.
var (
	ErrAlreadyStarted    = errors.New("dispatcher already started")
	ErrNotStarted        = errors.New("dispatcher not started")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrCodecRequired     = errors.New("codec is required")
	ErrTransportRequired = errors.New("transport is required")
)

// Dispatcher is a multi-producer, single-consumer FIFO of outcomes.
//
// Enqueue never blocks. A single background goroutine encodes each outcome,
// encrypts it when a certificate is attached, and hands it to the transport.
// On Stop the consumer drains the queue before exiting.
type Dispatcher struct {
	codec        types.Codec
	security     types.SecurityProvider
	transport    types.Transport
	pollInterval time.Duration
	logger       types.Logger
	metrics      types.MetricsCollector

	qmu     sync.Mutex
	queue   []types.Outcome
	closed  bool
	signal  chan struct{}
	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSecurity enables per-requester encryption.
func WithSecurity(p types.SecurityProvider) Option {
	return func(d *Dispatcher) { d.security = p }
}

// WithPollInterval sets the bounded wait of the consumer loop.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l types.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
//
// Parameters:
//   - codec: Encodes outcomes into the response wire format
//   - transport: Delivers encoded payloads
//   - opts: Optional security provider, poll interval, logger and metrics
//
// Returns:
//   - *Dispatcher: Dispatcher ready to Start
//   - error: ErrCodecRequired or ErrTransportRequired
func New(codec types.Codec, transport types.Transport, opts ...Option) (*Dispatcher, error) {
	if codec == nil {
		return nil, ErrCodecRequired
	}
	if transport == nil {
		return nil, ErrTransportRequired
	}

	d := &Dispatcher{
		codec:        codec,
		transport:    transport,
		pollInterval: DefaultPollInterval,
		signal:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.OrNop(d.logger)
	d.metrics = metrics.OrNop(d.metrics)

	return d, nil
}

// Enqueue appends an outcome to the queue without blocking.
//
// Returns ErrDispatcherStopped once Stop has been called.
func (d *Dispatcher) Enqueue(outcome types.Outcome) error {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return ErrDispatcherStopped
	}
	d.queue = append(d.queue, outcome)
	depth := len(d.queue)
	d.qmu.Unlock()

	d.metrics.RecordQueueDepth(depth)

	select {
	case d.signal <- struct{}{}:
	default:
	}

	return nil
}

// Len returns the number of queued outcomes.
func (d *Dispatcher) Len() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	return len(d.queue)
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true

	go d.run(context.WithoutCancel(ctx))

	d.logger.Info("response dispatcher started", "poll_interval", d.pollInterval)

	return nil
}

// Stop signals termination and waits for the queue to drain.
//
// Outcomes enqueued before Stop are delivered. If ctx expires first the
// consumer keeps draining in the background and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.mu.Unlock()

	d.qmu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stopCh)
	}
	d.qmu.Unlock()

	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-d.stopCh:
			// Enqueue refuses new work once stopCh is closed.
			d.drain(ctx)
			d.logger.Info("response dispatcher stopped")

			return
		case <-d.signal:
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		outcome, ok := d.pop()
		if !ok {
			return
		}
		d.deliver(ctx, outcome)
	}
}

func (d *Dispatcher) pop() (types.Outcome, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	if len(d.queue) == 0 {
		return types.Outcome{}, false
	}
	outcome := d.queue[0]
	d.queue[0] = types.Outcome{}
	d.queue = d.queue[1:]
	d.metrics.RecordQueueDepth(len(d.queue))

	return outcome, true
}

func (d *Dispatcher) deliver(ctx context.Context, outcome types.Outcome) {
	payload, err := d.codec.Encode(outcome)
	if err != nil {
		d.logger.Error("failed to encode response",
			"subscriber_id", outcome.SubscriberID,
			"request_id", outcome.RequestID,
			"error", err)
		d.metrics.RecordDispatch(ResultEncodeError)

		return
	}

	if len(outcome.Certificate) > 0 && d.security != nil {
		payload = d.encrypt(outcome, payload)
	}

	if err := d.transport.Send(ctx, outcome.DestHost, outcome.DestPort, payload, outcome.FromForwarder); err != nil {
		d.logger.Error("failed to send response",
			"dest_host", outcome.DestHost,
			"dest_port", outcome.DestPort,
			"request_id", outcome.RequestID,
			"error", err)
		d.metrics.RecordDispatch(ResultSendError)

		return
	}

	d.metrics.RecordDispatch(ResultSent)
	d.logger.Debug("response dispatched",
		"dest_host", outcome.DestHost,
		"dest_port", outcome.DestPort,
		"subscriber_id", outcome.SubscriberID,
		"request_id", outcome.RequestID,
		"code", outcome.Code.String())
}

// encrypt returns the sealed payload, or the plaintext if sealing fails.
func (d *Dispatcher) encrypt(outcome types.Outcome, payload []byte) []byte {
	handle, err := d.security.RegisterCertificate(outcome.Certificate)
	if err == nil {
		var sealed []byte
		sealed, err = d.security.Encrypt(payload, handle)
		if err == nil {
			return sealed
		}
	}

	d.logger.Warn("encryption failed, sending unencrypted response",
		"subscriber_id", outcome.SubscriberID,
		"request_id", outcome.RequestID,
		"error", err)
	d.metrics.RecordDispatch(ResultEncryptFallback)

	return payload
}
