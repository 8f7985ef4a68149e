// Package ingest feeds subscription records from NATS into the engine.
//
// Records are JSON objects published to a subject. Replicas join the same
// queue group so each record is handled by exactly one replica.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/natsutil"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Errors returned by the consumer.
var (
	ErrAlreadyStarted  = errors.New("consumer already started")
	ErrNotStarted      = errors.New("consumer not started")
	ErrSubjectRequired = errors.New("subject is required")
	ErrHandlerRequired = errors.New("handler is required")
)

// Handler processes one inbound record.
type Handler func(ctx context.Context, record []byte) error

// Config configures the consumer.
type Config struct {
	// Subject carries inbound subscription records.
	Subject string `yaml:"subject"`

	// Queue is the queue group shared by all replicas.
	Queue string `yaml:"queue"`

	// MaxRetries bounds subscribe attempts after the first.
	MaxRetries int `yaml:"maxRetries"`

	// RetryBase is the first retry delay.
	RetryBase time.Duration `yaml:"retryBase"`

	// RetryCap caps the retry delay.
	RetryCap time.Duration `yaml:"retryCap"`

	// RetryMultiplier grows the retry delay window.
	RetryMultiplier float64 `yaml:"retryMultiplier"`

	// RetrySeed makes jitter deterministic when non-zero.
	RetrySeed int64 `yaml:"-"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Subject:         "cv.datasink.subscription",
		Queue:           "subscription-engine",
		MaxRetries:      5,
		RetryBase:       100 * time.Millisecond,
		RetryCap:        5 * time.Second,
		RetryMultiplier: 3,
	}
}

// Consumer subscribes to inbound records and hands each to a Handler.
type Consumer struct {
	conn    *nats.Conn
	cfg     Config
	handler Handler
	logger  types.Logger

	handled atomic.Int64
	failed  atomic.Int64

	mu  sync.Mutex
	sub *nats.Subscription
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(l types.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// New creates a consumer.
//
// Parameters:
//   - conn: NATS connection
//   - cfg: Subject, queue group and retry policy
//   - handler: Called for every message; errors are logged
//
// Returns:
//   - *Consumer: Consumer ready to Start
//   - error: ErrSubjectRequired or ErrHandlerRequired
//
// Example:
//
//	c, _ := ingest.New(nc, ingest.DefaultConfig(), processor.Handle)
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
func New(conn *nats.Conn, cfg Config, handler Handler, opts ...Option) (*Consumer, error) {
	if cfg.Subject == "" {
		return nil, ErrSubjectRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	c := &Consumer{conn: conn, cfg: cfg, handler: handler}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNop(c.logger)

	return c, nil
}

// Start subscribes, retrying on a jittered schedule until the attempts run out
// or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return ErrAlreadyStarted
	}

	msgCtx := context.WithoutCancel(ctx)
	schedule := newRetrySchedule(c.cfg)

	var (
		sub *nats.Subscription
		err error
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		sub, err = c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, func(msg *nats.Msg) {
			c.dispatch(msgCtx, msg)
		})
		if err == nil {
			break
		}

		err = natsutil.Classify("subscribe", err)
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := schedule.next()
		c.logger.Warn("subscribe failed, retrying",
			"subject", c.cfg.Subject,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s after %d attempts: %w", c.cfg.Subject, c.cfg.MaxRetries+1, err)
	}

	c.sub = sub
	c.logger.Info("ingest consumer started", "subject", c.cfg.Subject, "queue", c.cfg.Queue)

	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return ErrNotStarted
	}

	err := c.sub.Drain()
	c.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain subscription: %w", err)
	}

	return nil
}

// Handled returns the number of records processed without error.
func (c *Consumer) Handled() int64 {
	return c.handled.Load()
}

// Failed returns the number of records whose handler returned an error.
func (c *Consumer) Failed() int64 {
	return c.failed.Load()
}

func (c *Consumer) dispatch(ctx context.Context, msg *nats.Msg) {
	if err := c.handler(ctx, msg.Data); err != nil {
		c.failed.Add(1)
		c.logger.Debug("record rejected", "subject", msg.Subject, "error", err)

		return
	}
	c.handled.Add(1)
}
