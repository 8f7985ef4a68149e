package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use so constructing
// a collector never panics on duplicate registration until it is exercised.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	requests          *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	leader            prometheus.Gauge
	identitiesInUse   prometheus.Gauge
	identityExhausted prometheus.Counter
	sweepDuration     prometheus.Histogram
	sweepRetired      *prometheus.CounterVec
	sweepRuns         *prometheus.CounterVec
	dispatches        *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	heartbeats        *prometheus.CounterVec
}

var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "datasink" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "datasink"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Inbound subscription records by classification.",
		}, []string{"kind"})
		p.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "outcomes_total",
			Help:      "Enqueued response outcomes by code.",
		}, []string{"code"})
		p.leader = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "is_leader",
			Help:      "1 when this instance may run the expiration sweep.",
		})
		p.identitiesInUse = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "identity",
			Name:      "in_use",
			Help:      "Subscriber identities currently marked used.",
		})
		p.identityExhausted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "identity",
			Name:      "exhausted_total",
			Help:      "Allocations that found no free identity.",
		})
		p.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Duration of expiration sweep iterations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		})
		p.sweepRetired = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "retired_total",
			Help:      "Subscriptions retired by the sweeper by reason.",
		}, []string{"reason"})
		p.sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweep iterations by success.",
		}, []string{"success"})
		p.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatcher",
			Name:      "deliveries_total",
			Help:      "Response delivery attempts by result.",
		}, []string{"result"})
		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Outcomes waiting to be delivered.",
		})
		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "replica",
			Name:      "heartbeats_total",
			Help:      "Replica status publishes by success.",
		}, []string{"success"})

		p.reg.MustRegister(
			p.requests, p.outcomes, p.leader,
			p.identitiesInUse, p.identityExhausted,
			p.sweepDuration, p.sweepRetired, p.sweepRuns,
			p.dispatches, p.queueDepth,
			p.heartbeats,
		)
	})
}

func (p *PrometheusCollector) RecordRequest(kind string) {
	p.ensureRegistered()
	p.requests.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordOutcome(code string) {
	p.ensureRegistered()
	p.outcomes.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordLeadershipChange(isLeader bool) {
	p.ensureRegistered()
	if isLeader {
		p.leader.Set(1)
	} else {
		p.leader.Set(0)
	}
}

func (p *PrometheusCollector) RecordIdentitiesInUse(count int) {
	p.ensureRegistered()
	p.identitiesInUse.Set(float64(count))
}

func (p *PrometheusCollector) RecordIdentityExhausted() {
	p.ensureRegistered()
	p.identityExhausted.Inc()
}

func (p *PrometheusCollector) RecordSweep(duration float64, expired, orphaned int, success bool) {
	p.ensureRegistered()
	p.sweepDuration.Observe(duration)
	p.sweepRetired.WithLabelValues(string(types.ExpiryReasonEndTime)).Add(float64(expired))
	p.sweepRetired.WithLabelValues(string(types.ExpiryReasonOrphaned)).Add(float64(orphaned))
	p.sweepRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (p *PrometheusCollector) RecordDispatch(result string) {
	p.ensureRegistered()
	p.dispatches.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordQueueDepth(depth int) {
	p.ensureRegistered()
	p.queueDepth.Set(float64(depth))
}

func (p *PrometheusCollector) RecordHeartbeat(success bool) {
	p.ensureRegistered()
	p.heartbeats.WithLabelValues(strconv.FormatBool(success)).Inc()
}
