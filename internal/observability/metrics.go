package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stockflow"

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Calls          *prometheus.CounterVec
	CallErrors     *prometheus.CounterVec
	CallsInFlight  *prometheus.GaugeVec
	CallLatency    *prometheus.HistogramVec
	RateLimitWaits prometheus.Histogram

	SagasStarted   *prometheus.CounterVec
	SagasFinished  *prometheus.CounterVec
	Steps          *prometheus.CounterVec
	StepLatency    *prometheus.HistogramVec
	Compensations  *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	OutboxEvents   *prometheus.CounterVec
	OutboxBatch    prometheus.Histogram
	OutboxRunsSkip prometheus.Counter

	gatherer prometheus.Gatherer
}

// CallSpan measures one call started with Metrics.Start.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Control calls handled, by method.",
		}, []string{"method"}),
		CallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_errors_total",
			Help:      "Control calls that returned an error, by method.",
		}, []string{"method"}),
		CallsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Control calls currently being handled.",
		}, []string{"method"}),
		CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_seconds",
			Help:      "Control call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimitWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting on rate limiters.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_started_total",
			Help:      "Sagas created, by saga type.",
		}, []string{"saga_type"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_finished_total",
			Help:      "Sagas that reached a terminal status.",
		}, []string{"status"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_steps_total",
			Help:      "Forward steps executed, by step and outcome.",
		}, []string{"step", "outcome"}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_latency_seconds",
			Help:      "Forward step latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Compensations executed, by compensation and outcome.",
		}, []string{"compensation", "outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_notifications_total",
			Help:      "Saga notifications published, by outcome.",
		}, []string{"outcome"}),
		OutboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox events handled, by event type and result.",
		}, []string{"event_type", "result"}),
		OutboxBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_batch_size",
			Help:      "Events claimed per poller run.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		OutboxRunsSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_runs_skipped_total",
			Help:      "Poller runs skipped because another run held the lock.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.Calls,
		m.CallErrors,
		m.CallsInFlight,
		m.CallLatency,
		m.RateLimitWaits,
		m.SagasStarted,
		m.SagasFinished,
		m.Steps,
		m.StepLatency,
		m.Compensations,
		m.Notifications,
		m.OutboxEvents,
		m.OutboxBatch,
		m.OutboxRunsSkip,
	)
	return m
}

// Start begins measuring a call to method.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.CallsInFlight.WithLabelValues(method).Inc()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

// End records the call result.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	m.CallsInFlight.WithLabelValues(s.method).Dec()
	m.Calls.WithLabelValues(s.method).Inc()
	if err != nil {
		m.CallErrors.WithLabelValues(s.method).Inc()
	}
	m.CallLatency.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.RateLimitWaits.Observe(d.Seconds())
}

func (m *Metrics) SagaStarted(sagaType string) {
	if m == nil {
		return
	}
	m.SagasStarted.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) SagaFinished(status string) {
	if m == nil {
		return
	}
	m.SagasFinished.WithLabelValues(status).Inc()
}

// ObserveStep records one forward step execution.
func (m *Metrics) ObserveStep(step string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(step, outcome(err)).Inc()
	m.StepLatency.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompensation(kind string, err error) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) ObserveNotification(err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome(err)).Inc()
}

// ObserveOutboxEvent counts a handled outbox event. result is one of
// processed, retried, dead_lettered or unrecorded.
func (m *Metrics) ObserveOutboxEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.OutboxEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveOutboxBatch(size int) {
	if m == nil {
		return
	}
	m.OutboxBatch.Observe(float64(size))
}

func (m *Metrics) OutboxRunSkipped() {
	if m == nil {
		return
	}
	m.OutboxRunsSkip.Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
