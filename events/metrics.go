package events

import (
	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts published events by kind and connection type.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics registers the connect_events_total counter with reg. A counter
// registered earlier under the same name is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connect",
		Name:      "events_total",
		Help:      "Connection lifecycle events by kind and connection type.",
	}, []string{"kind", "type"})

	if err := reg.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		events = existing
	}
	return &Metrics{events: events}, nil
}

func (m *Metrics) Publish(event connect.Event) error {
	m.events.WithLabelValues(string(event.Kind), event.Connection.Type).Inc()
	return nil
}

// Counter returns the counter behind one kind and connection type.
func (m *Metrics) Counter(kind connect.EventKind, connType string) (prometheus.Counter, error) {
	return m.events.GetMetricWithLabelValues(string(kind), connType)
}
