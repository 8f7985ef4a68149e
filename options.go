package datasink

import "time"

// Option configures a Processor with optional dependencies.
type Option func(*processorOptions)

type processorOptions struct {
	logger    Logger
	metrics   MetricsCollector
	hooks     *Hooks
	codec     Codec
	security  SecurityProvider
	transport Transport
	audit     AuditSink
	gate      LeaderGate
	clock     func() time.Time
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (see internal/logging for an slog adapter)
//
// Returns:
//   - Option: Functional option for NewProcessor
func WithLogger(logger Logger) Option {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Example:
//
//	m := metrics.NewPrometheus(prometheus.DefaultRegisterer, "datasink")
//	p, _ := datasink.NewProcessor(&cfg, st, datasink.WithMetrics(m))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *processorOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets background lifecycle callbacks.
func WithHooks(hooks *Hooks) Option {
	return func(o *processorOptions) {
		o.hooks = hooks
	}
}

// WithCodec overrides the response codec. The default is DER with the configured group id.
func WithCodec(codec Codec) Option {
	return func(o *processorOptions) {
		o.codec = codec
	}
}

// WithSecurity enables encryption of responses to requesters that supplied a certificate.
func WithSecurity(security SecurityProvider) Option {
	return func(o *processorOptions) {
		o.security = security
	}
}

// WithTransport sets the outbound transport. Required.
func WithTransport(transport Transport) Option {
	return func(o *processorOptions) {
		o.transport = transport
	}
}

// WithAuditSink records every processed record and retirement.
func WithAuditSink(audit AuditSink) Option {
	return func(o *processorOptions) {
		o.audit = audit
	}
}

// WithLeaderGate overrides leadership for the expiration sweep.
//
// The default is a static gate that grants leadership to node ordinal 1.
//
// Example:
//
//	gate := election.NewGate(election.NewLease(kv, "sweeper", instanceID))
//	p, _ := datasink.NewProcessor(&cfg, st, datasink.WithLeaderGate(gate))
func WithLeaderGate(gate LeaderGate) Option {
	return func(o *processorOptions) {
		o.gate = gate
	}
}

// WithClock overrides the time source used for end-time validation and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *processorOptions) {
		o.clock = now
	}
}
