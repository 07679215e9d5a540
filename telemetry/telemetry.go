package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded for durable store lookups.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

const (
	eventAccepted = "accepted"
	eventStale    = "stale"
)

// Collector captures telemetry events emitted by the fetcher.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with event delivery and reconcile passes.
type Collector interface {
	IncStoreLookup(outcome string)
	IncEventAccepted(relay string)
	IncEventStale(relay string)
	AddPrunedRecords(count int64)
	SetCellCount(count int)
	SetInflight(relay string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncStoreLookup(string)   {}
func (noopCollector) IncEventAccepted(string) {}
func (noopCollector) IncEventStale(string)    {}
func (noopCollector) AddPrunedRecords(int64)  {}
func (noopCollector) SetCellCount(int)        {}
func (noopCollector) SetInflight(string, int) {}

// PrometheusCollector exposes fetcher counters via Prometheus.
type PrometheusCollector struct {
	storeLookups  *prometheus.CounterVec
	relayEvents   *prometheus.CounterVec
	prunedRecords prometheus.Counter
	cellCount     prometheus.Gauge
	inflight      *prometheus.GaugeVec
}

var (
	storeLookupCounter      *prometheus.CounterVec
	storeLookupCounterLock  sync.Mutex
	relayEventCounter       *prometheus.CounterVec
	relayEventCounterLock   sync.Mutex
	prunedRecordCounter     prometheus.Counter
	prunedRecordCounterLock sync.Mutex
	cellCountGauge          prometheus.Gauge
	cellCountGaugeLock      sync.Mutex
	inflightGauge           *prometheus.GaugeVec
	inflightGaugeLock       sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	storeLookupCounterLock.Lock()
	if storeLookupCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "norq_store_lookups_total",
			Help: "Number of durable store lookups per outcome.",
		}, []string{"outcome"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					storeLookupCounter = existing
				} else {
					storeLookupCounterLock.Unlock()
					return nil, err
				}
			} else {
				storeLookupCounterLock.Unlock()
				return nil, err
			}
		} else {
			storeLookupCounter = counter
		}
	}
	storeLookupCounterLock.Unlock()

	relayEventCounterLock.Lock()
	if relayEventCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "norq_relay_events_total",
			Help: "Number of events received from relays per acceptance outcome.",
		}, []string{"relay", "outcome"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					relayEventCounter = existing
				} else {
					relayEventCounterLock.Unlock()
					return nil, err
				}
			} else {
				relayEventCounterLock.Unlock()
				return nil, err
			}
		} else {
			relayEventCounter = counter
		}
	}
	relayEventCounterLock.Unlock()

	prunedRecordCounterLock.Lock()
	if prunedRecordCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norq_store_pruned_records_total",
			Help: "Number of records removed from the durable store by retention pruning.",
		})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
					prunedRecordCounter = existing
				} else {
					prunedRecordCounterLock.Unlock()
					return nil, err
				}
			} else {
				prunedRecordCounterLock.Unlock()
				return nil, err
			}
		} else {
			prunedRecordCounter = counter
		}
	}
	prunedRecordCounterLock.Unlock()

	cellCountGaugeLock.Lock()
	if cellCountGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "norq_cells",
			Help: "Number of coordinates tracked in the central cell store.",
		})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
					cellCountGauge = existing
				} else {
					cellCountGaugeLock.Unlock()
					return nil, err
				}
			} else {
				cellCountGaugeLock.Unlock()
				return nil, err
			}
		} else {
			cellCountGauge = gauge
		}
	}
	cellCountGaugeLock.Unlock()

	inflightGaugeLock.Lock()
	if inflightGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "norq_relay_inflight_requests",
			Help: "Number of coordinates awaiting an answer per relay.",
		}, []string{"relay"})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					inflightGauge = existing
				} else {
					inflightGaugeLock.Unlock()
					return nil, err
				}
			} else {
				inflightGaugeLock.Unlock()
				return nil, err
			}
		} else {
			inflightGauge = gauge
		}
	}
	inflightGaugeLock.Unlock()

	return &PrometheusCollector{
		storeLookups:  storeLookupCounter,
		relayEvents:   relayEventCounter,
		prunedRecords: prunedRecordCounter,
		cellCount:     cellCountGauge,
		inflight:      inflightGauge,
	}, nil
}

// IncStoreLookup counts a durable store read with the given outcome.
func (p *PrometheusCollector) IncStoreLookup(outcome string) {
	if p == nil || p.storeLookups == nil {
		return
	}
	p.storeLookups.WithLabelValues(outcome).Inc()
}

// IncEventAccepted counts an event that replaced the cached value.
func (p *PrometheusCollector) IncEventAccepted(relay string) {
	if p == nil || p.relayEvents == nil {
		return
	}
	p.relayEvents.WithLabelValues(relay, eventAccepted).Inc()
}

// IncEventStale counts an event dropped because a newer value was cached.
func (p *PrometheusCollector) IncEventStale(relay string) {
	if p == nil || p.relayEvents == nil {
		return
	}
	p.relayEvents.WithLabelValues(relay, eventStale).Inc()
}

// AddPrunedRecords records how many rows a retention pass removed.
func (p *PrometheusCollector) AddPrunedRecords(count int64) {
	if p == nil || p.prunedRecords == nil || count <= 0 {
		return
	}
	p.prunedRecords.Add(float64(count))
}

// SetCellCount updates the gauge tracking known coordinates.
func (p *PrometheusCollector) SetCellCount(count int) {
	if p == nil || p.cellCount == nil {
		return
	}
	p.cellCount.Set(float64(count))
}

// SetInflight updates the gauge tracking open requests against one relay.
func (p *PrometheusCollector) SetInflight(relay string, count int) {
	if p == nil || p.inflight == nil {
		return
	}
	p.inflight.WithLabelValues(relay).Set(float64(count))
}
