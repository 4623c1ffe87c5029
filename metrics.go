package conductor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports dispatcher and hub counters to a Prometheus registry.
// A nil *Metrics is valid and records nothing
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration prometheus.Histogram
	eventsPublished prometheus.Counter
	eventsDelivered prometheus.Counter
	handlerFailures prometheus.Counter
}

// NewMetrics registers the collectors with reg and returns the handle
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "commands_total",
			Help:      "Commands dispatched, by outcome",
		}, []string{"status"}),
		commandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "command_duration_seconds",
			Help:      "Command pipeline latency",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "events_published_total",
			Help:      "Events offered to the hub",
		}),
		eventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "events_delivered_total",
			Help:      "Handler invocations",
		}),
		handlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "handler_failures_total",
			Help:      "Handler errors and panics",
		}),
	}
}

func (m *Metrics) observeDispatch(res *CommandResult) {
	if m == nil {
		return
	}
	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	m.commandsTotal.WithLabelValues(status).Inc()
	m.commandDuration.Observe(res.ExecutionTime.Seconds())
}

func (m *Metrics) eventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) eventDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}

func (m *Metrics) handlerError() {
	if m == nil {
		return
	}
	m.handlerFailures.Inc()
}
