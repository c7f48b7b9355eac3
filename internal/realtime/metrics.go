package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks notifier health. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connected   *prometheus.GaugeVec
	statuses    *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	events      *prometheus.CounterVec
	invalidated *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "permd_notifier_subscribed",
			Help: "1 while the subscriber holds a live subscription.",
		}, []string{"source"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_notifier_status_total",
			Help: "Connection status transitions per source.",
		}, []string{"source", "status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_notifier_reconnects_total",
			Help: "Subscription rebuilds per source.",
		}, []string{"source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_notifier_events_total",
			Help: "Change events received per table and operation.",
		}, []string{"table", "operation"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_notifier_invalidated_entries_total",
			Help: "Cache entries removed in response to change events.",
		}, []string{"table"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.connected, m.statuses, m.reconnects, m.events, m.invalidated} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) status(source string, status Status) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(source, string(status)).Inc()
	if status == StatusSubscribed {
		m.connected.WithLabelValues(source).Set(1)
	} else {
		m.connected.WithLabelValues(source).Set(0)
	}
}

func (m *Metrics) reconnect(source string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(source).Inc()
}

func (m *Metrics) event(ev Event, removed int) {
	if m == nil {
		return
	}
	table := ev.Table
	if table == "" {
		table = "refresh"
	}
	m.events.WithLabelValues(table, string(ev.Operation)).Inc()
	m.invalidated.WithLabelValues(table).Add(float64(removed))
}
