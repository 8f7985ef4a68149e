package datasink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/sjson"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/codec"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/election"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/expiration"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/idpool"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/metrics"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/response"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/validation"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// maxCreateAttempts bounds how many identities one add tries before giving up
// on identities already stored by other replicas.
const maxCreateAttempts = 8

// Processor is the subscription lifecycle engine.
//
// Handle may be called concurrently. Each classified record yields exactly
// one outcome on the response queue, except invalid records that carry no
// destination, which are only logged.
type Processor struct {
	cfg   Config
	store types.SubscriptionStore

	ids        *idpool.Pool
	validator  *validation.Validator
	dispatcher *response.Dispatcher
	sweeper    *expiration.Sweeper

	audit   types.AuditSink
	logger  types.Logger
	metrics types.MetricsCollector

	state atomic.Int32
	mu    sync.Mutex
}

// NewProcessor creates a processor over store.
//
// Parameters:
//   - cfg: Configuration; missing values are defaulted, Region is required
//   - store: Authoritative subscription storage
//   - opts: Optional dependencies; WithTransport is required
//
// Returns:
//   - *Processor: Processor in StateCreated
//   - error: Configuration or dependency error
//
// Example:
//
//	cfg := datasink.TestConfig()
//	p, err := datasink.NewProcessor(&cfg, store.NewMemory(), datasink.WithTransport(tr))
func NewProcessor(cfg *Config, store types.SubscriptionStore, opts ...Option) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if store == nil {
		return nil, ErrStoreRequired
	}

	c := *cfg
	SetDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	o := processorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		return nil, ErrTransportRequired
	}
	if o.codec == nil {
		o.codec = codec.NewDER(c.GroupID)
	}
	if o.gate == nil {
		o.gate = election.NewOrdinalGate(c.NodeOrdinal)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	log := logger.OrNop(o.logger)
	c.ValidateWithWarnings(log)
	log = log.With("node", c.NodeOrdinal)
	m := metrics.OrNop(o.metrics)

	ids, err := idpool.New(store,
		idpool.WithRange(c.IdentityMin, c.IdentityMax),
		idpool.WithLogger(log),
		idpool.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	validator, err := validation.New(c.Region, ids, validation.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	dispatcherOpts := []response.Option{
		response.WithPollInterval(c.PollInterval),
		response.WithLogger(log),
		response.WithMetrics(m),
	}
	if o.security != nil {
		dispatcherOpts = append(dispatcherOpts, response.WithSecurity(o.security))
	}
	dispatcher, err := response.New(o.codec, o.transport, dispatcherOpts...)
	if err != nil {
		return nil, err
	}

	sweeperOpts := []expiration.Option{
		expiration.WithInterval(c.ExpirationInterval),
		expiration.WithLeaderGate(o.gate),
		expiration.WithClock(o.clock),
		expiration.WithHooks(o.hooks),
		expiration.WithLogger(log),
		expiration.WithMetrics(m),
	}
	if o.audit != nil {
		sweeperOpts = append(sweeperOpts, expiration.WithAudit(o.audit))
	}
	sweeper, err := expiration.New(store, ids, sweeperOpts...)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:        c,
		store:      store,
		ids:        ids,
		validator:  validator,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		audit:      o.audit,
		logger:     log,
		metrics:    m,
	}, nil
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Pending returns the number of outcomes waiting for delivery.
func (p *Processor) Pending() int {
	return p.dispatcher.Len()
}

// Start launches the response dispatcher and the expiration sweeper.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateCreated {
		return ErrAlreadyStarted
	}

	if err := p.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start response dispatcher: %w", err)
	}
	if err := p.sweeper.Start(ctx); err != nil {
		// Dispatcher is already running; drain it before reporting.
		_ = p.dispatcher.Stop(ctx)
		p.state.Store(int32(StateStopped))

		return fmt.Errorf("start expiration sweeper: %w", err)
	}

	p.state.Store(int32(StateRunning))
	p.logger.Info("subscription processor started",
		"region_nw", p.cfg.Region.NW,
		"region_se", p.cfg.Region.SE,
		"node_ordinal", p.cfg.NodeOrdinal)

	return nil
}

// Stop signals both background workers, then joins each with ShutdownTimeout.
//
// A missed join deadline is logged and reported but not retried; the
// dispatcher keeps draining in the background.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := p.sweeper.Stop(joinCtx); err != nil {
		p.logger.Error("expiration sweeper missed join deadline", "error", err)
		errs = append(errs, err)
	}
	if err := p.dispatcher.Stop(joinCtx); err != nil {
		p.logger.Error("response dispatcher missed join deadline", "error", err)
		errs = append(errs, err)
	}

	p.state.Store(int32(StateStopped))
	p.logger.Info("subscription processor stopped")

	return errors.Join(errs...)
}

// Handle processes one inbound record.
//
// The returned error is nil for accepted adds and cancels. Rejections return
// a *types.SubscriptionError (recover the code with types.CodeOf); invalid
// records additionally wrap ErrInvalidRequest. In every case the outcome has
// already been queued when a destination is known.
func (p *Processor) Handle(ctx context.Context, raw []byte) error {
	rec, err := validation.ParseRecord(raw)
	if err != nil {
		p.metrics.RecordRequest("malformed")
		p.logger.Warn("dropping malformed record", "error", err)
		p.record(ctx, types.AuditEventInvalid, fmt.Sprintf("malformed record: %v", err))

		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	kind := validation.Classify(rec)
	p.metrics.RecordRequest(kind.String())

	switch kind {
	case validation.KindAdd:
		return p.handleAdd(ctx, rec)
	case validation.KindCancel:
		return p.handleCancel(ctx, rec)
	default:
		return p.handleInvalid(ctx, rec)
	}
}

func (p *Processor) handleAdd(ctx context.Context, rec *validation.Record) error {
	sub, err := p.createSubscription(ctx, rec)
	if err != nil {
		return p.reject(ctx, rec, 0, err)
	}

	p.logger.Info("subscription added",
		"subscriber_id", sub.ID,
		"request_id", sub.Filter.RequestID,
		"end_time", sub.Filter.EndTime)
	p.record(ctx, types.AuditEventAdd, fmt.Sprintf("subscriber %d added: %s", sub.ID, redact(rec)))

	return p.emit(types.Outcome{
		DestHost:      sub.DestHost,
		DestPort:      sub.DestPort,
		SubscriberID:  sub.ID,
		RequestID:     sub.Filter.RequestID,
		Certificate:   sub.Certificate,
		FromForwarder: sub.FromForwarder,
	})
}

// createSubscription validates rec and stores the result under a fresh
// identity. Replicas sharing a store keep separate pools, so an identity this
// pool considers free may already be taken; such identities stay marked used
// and the next one is tried.
func (p *Processor) createSubscription(ctx context.Context, rec *validation.Record) (types.Subscriber, error) {
	for attempt := 1; ; attempt++ {
		sub, err := p.validator.BuildSubscriber(ctx, rec)
		if err != nil {
			return types.Subscriber{}, err
		}

		err = p.persist(ctx, sub)
		if err == nil {
			return sub, nil
		}

		taken := errors.Is(err, types.ErrSubscriberExists)
		if taken && attempt < maxCreateAttempts {
			p.logger.Debug("subscriber id already stored, allocating another", "subscriber_id", sub.ID)
			continue
		}
		if !taken {
			p.ids.Release(sub.ID)
		}

		p.logger.Error("failed to store subscription",
			"subscriber_id", sub.ID,
			"request_id", sub.Filter.RequestID,
			"attempt", attempt,
			"error", err)

		return types.Subscriber{}, types.WrapSubscriptionError(types.InternalServerError, "failed to store subscription", err)
	}
}

// persist creates the subscriber then its filter, removing the subscriber
// again if the filter cannot be written.
func (p *Processor) persist(ctx context.Context, sub types.Subscriber) error {
	if err := p.store.CreateSubscriber(ctx, sub.ID, sub); err != nil {
		return fmt.Errorf("create subscriber %d: %w", sub.ID, err)
	}

	if err := p.store.InsertFilter(ctx, sub.ID, sub.Filter); err != nil {
		if delErr := p.store.DeleteSubscriber(ctx, sub.ID); delErr != nil {
			p.logger.Warn("failed to roll back subscriber", "subscriber_id", sub.ID, "error", delErr)
		}

		return fmt.Errorf("insert filter %d: %w", sub.ID, err)
	}

	return nil
}

func (p *Processor) handleCancel(ctx context.Context, rec *validation.Record) error {
	c, err := validation.BuildCancellation(rec)
	if err != nil {
		id, _ := rec.WireID(validation.FieldSubscriberID)
		return p.rejectCancel(ctx, rec, id, p.storedSubscriber(ctx, id), err)
	}

	sub, err := p.store.FindSubscriberByID(ctx, c.SubscriberID)
	subFound := err == nil
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return p.rejectCancel(ctx, rec, c.SubscriberID, nil,
			types.WrapSubscriptionError(types.InternalServerError, "failed to load subscriber", err))
	}
	var stored *types.Subscriber
	if subFound {
		stored = &sub
	}

	filter, err := p.store.FindFilterByID(ctx, c.SubscriberID)
	filterFound := err == nil
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return p.rejectCancel(ctx, rec, c.SubscriberID, stored,
			types.WrapSubscriptionError(types.InternalServerError, "failed to load filter", err))
	}
	if filterFound && filter.RequestID != c.RequestID {
		return p.rejectCancel(ctx, rec, c.SubscriberID, stored,
			types.NewSubscriptionError(types.InvalidRequestID,
				fmt.Sprintf("request id %d does not match subscription request id %d", c.RequestID, filter.RequestID)))
	}

	outcome := p.recordOutcome(rec, 0, c.RequestID)
	if !filterFound && !subFound {
		p.logger.Info("cancel for unknown subscription",
			"subscriber_id", c.SubscriberID,
			"request_id", c.RequestID)
		p.record(ctx, types.AuditEventCancel,
			fmt.Sprintf("subscriber %d not found, nothing cancelled: %s", c.SubscriberID, redact(rec)))

		return p.emitIfAddressed(outcome)
	}

	if filterFound {
		if err := p.store.DeleteFilter(ctx, c.SubscriberID, c.RequestID); err != nil {
			return p.rejectCancel(ctx, rec, c.SubscriberID, stored,
				types.WrapSubscriptionError(types.InternalServerError, "failed to delete filter", err))
		}
	}
	if subFound {
		if err := p.store.DeleteSubscriber(ctx, c.SubscriberID); err != nil {
			return p.rejectCancel(ctx, rec, c.SubscriberID, stored,
				types.WrapSubscriptionError(types.InternalServerError, "failed to delete subscriber", err))
		}
	}
	p.ids.Release(c.SubscriberID)

	p.logger.Info("subscription cancelled",
		"subscriber_id", c.SubscriberID,
		"request_id", c.RequestID,
		"filter_found", filterFound,
		"subscriber_found", subFound)
	p.record(ctx, types.AuditEventCancel, fmt.Sprintf("subscriber %d cancelled: %s", c.SubscriberID, redact(rec)))

	outcome.SubscriberID = c.SubscriberID
	addressFromStored(&outcome, stored)

	return p.emitIfAddressed(outcome)
}

// storedSubscriber looks id up for addressing a cancel rejection. Lookup
// failures only cost the fallback address.
func (p *Processor) storedSubscriber(ctx context.Context, id int) *types.Subscriber {
	if id <= 0 {
		return nil
	}
	sub, err := p.store.FindSubscriberByID(ctx, id)
	if err != nil {
		return nil
	}

	return &sub
}

// addressFromStored fills a destination the record did not carry from the
// stored subscriber, and encrypts for the stored certificate.
func addressFromStored(outcome *types.Outcome, stored *types.Subscriber) {
	if stored == nil {
		return
	}
	if outcome.DestHost == "" || outcome.DestPort == 0 {
		outcome.DestHost, outcome.DestPort = stored.DestHost, stored.DestPort
		outcome.FromForwarder = stored.FromForwarder
	}
	if len(stored.Certificate) > 0 {
		outcome.Certificate = stored.Certificate
	}
}

func (p *Processor) handleInvalid(ctx context.Context, rec *validation.Record) error {
	code, deliverable := validation.Diagnose(rec)
	if !deliverable {
		p.logger.Warn("invalid record without destination, no response sent")
		p.record(ctx, types.AuditEventInvalid, "invalid record without destination: "+redact(rec))

		return fmt.Errorf("%w: no destination", ErrInvalidRequest)
	}

	subscriberID, _ := rec.WireID(validation.FieldSubscriberID)
	requestID, _ := rec.WireID(validation.FieldRequestID)
	outcome := p.recordOutcome(rec, subscriberID, requestID)
	outcome.Code = code

	p.logger.Warn("invalid record", "code", code.String(), "request_id", requestID)
	p.record(ctx, types.AuditEventInvalid, fmt.Sprintf("%s: %s", code, redact(rec)))

	if err := p.emit(outcome); err != nil {
		return err
	}

	return fmt.Errorf("%w: %w", ErrInvalidRequest, types.NewSubscriptionError(code, "record is neither add nor cancel"))
}

// reject queues an error outcome addressed from the record and returns cause.
func (p *Processor) reject(ctx context.Context, rec *validation.Record, subscriberID int, cause error) error {
	return p.rejectCancel(ctx, rec, subscriberID, nil, cause)
}

// rejectCancel is reject with the stored subscriber, when known, supplying
// the address and certificate the record lacks.
func (p *Processor) rejectCancel(ctx context.Context, rec *validation.Record, subscriberID int, stored *types.Subscriber, cause error) error {
	code := types.CodeOf(cause)
	requestID, _ := rec.WireID(validation.FieldRequestID)

	p.logger.Warn("subscription request rejected",
		"code", code.String(),
		"subscriber_id", subscriberID,
		"request_id", requestID,
		"error", cause)

	event := types.AuditEventInvalid
	if code == types.InternalServerError || code == types.ResourceLimitReached {
		event = types.AuditEventFailed
	}
	p.record(ctx, event, fmt.Sprintf("%s: %s", code, redact(rec)))

	outcome := p.recordOutcome(rec, subscriberID, requestID)
	outcome.Code = code
	if cert, err := rec.Certificate(); err == nil {
		outcome.Certificate = cert
	}
	addressFromStored(&outcome, stored)

	if err := p.emitIfAddressed(outcome); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

func (p *Processor) recordOutcome(rec *validation.Record, subscriberID, requestID int) types.Outcome {
	host, port, _ := validation.Destination(rec)

	return types.Outcome{
		DestHost:      host,
		DestPort:      port,
		SubscriberID:  subscriberID,
		RequestID:     requestID,
		FromForwarder: rec.Bool(validation.FieldFromForwarder),
	}
}

func (p *Processor) emitIfAddressed(outcome types.Outcome) error {
	if outcome.DestHost == "" || outcome.DestPort == 0 {
		p.logger.Warn("no destination for response, dropping",
			"subscriber_id", outcome.SubscriberID,
			"request_id", outcome.RequestID,
			"code", outcome.Code.String())

		return nil
	}

	return p.emit(outcome)
}

func (p *Processor) emit(outcome types.Outcome) error {
	if err := p.dispatcher.Enqueue(outcome); err != nil {
		return fmt.Errorf("enqueue response: %w", err)
	}
	p.metrics.RecordOutcome(outcome.Code.String())

	return nil
}

func (p *Processor) record(ctx context.Context, event, description string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, event, description); err != nil {
		p.logger.Warn("failed to write audit entry", "event", event, "error", err)
	}
}

// redact returns the record text without its certificate.
func redact(rec *validation.Record) string {
	out, err := sjson.DeleteBytes(rec.Raw(), validation.FieldCertificate)
	if err != nil {
		return string(rec.Raw())
	}

	return string(out)
}
