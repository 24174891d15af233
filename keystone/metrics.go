package keystone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine's Prometheus instruments. A nil *metrics is
// valid and records nothing, so the engine runs unmetered unless a
// registerer is configured.
type metrics struct {
	eventsProcessed prometheus.Counter
	eventsSkipped   prometheus.Counter
	statesPersisted prometheus.Counter
	backendFetches  prometheus.Counter
	eventsFetched   prometheus.Counter
	backfills       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		eventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "events_processed_total",
			Help:      "Events applied to aggregator states.",
		}),
		eventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "events_skipped_total",
			Help:      "Events skipped by the idempotence guard.",
		}),
		statesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "states_persisted_total",
			Help:      "Interval state writes through the delegate.",
		}),
		backendFetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "backend_fetches_total",
			Help:      "Event load calls against the backend.",
		}),
		eventsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "backend_events_fetched_total",
			Help:      "Events returned by backend loads.",
		}),
		backfills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keystone",
			Name:      "aggregator_backfills_total",
			Help:      "Newly registered aggregators back-filled from history.",
		}),
	}
}

func (m *metrics) addEventsProcessed(n int) {
	if m != nil {
		m.eventsProcessed.Add(float64(n))
	}
}

func (m *metrics) addEventsSkipped(n int) {
	if m != nil {
		m.eventsSkipped.Add(float64(n))
	}
}

func (m *metrics) incStatesPersisted() {
	if m != nil {
		m.statesPersisted.Inc()
	}
}

func (m *metrics) recordFetch(events int) {
	if m != nil {
		m.backendFetches.Inc()
		m.eventsFetched.Add(float64(events))
	}
}

func (m *metrics) addBackfills(n int) {
	if m != nil {
		m.backfills.Add(float64(n))
	}
}
