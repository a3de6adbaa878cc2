package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the fetch path.
type Collector interface {
	IncFetch(query, source string)
	IncFetchError(query, kind string)
	SetSnapshotAge(query string, seconds float64)
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncFetch(string, string)        {}
func (noopCollector) IncFetchError(string, string)   {}
func (noopCollector) SetSnapshotAge(string, float64) {}
func (noopCollector) IncHotReload(string)            {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	fetches     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	snapshotAge *prometheus.GaugeVec
	hotReloads  *prometheus.CounterVec
}

var (
	registryMu       sync.Mutex
	fetchCounter     *prometheus.CounterVec
	fetchErrCounter  *prometheus.CounterVec
	snapshotAgeGauge *prometheus.GaugeVec
	hotReloadCounter *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if fetchCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseboard_fetch_total",
			Help: "Number of completed fetches per query, labelled with the snapshot source.",
		}, []string{"query", "source"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		fetchCounter = registered
	}

	if fetchErrCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseboard_fetch_errors_total",
			Help: "Number of fetch failures per query, labelled with the error kind.",
		}, []string{"query", "kind"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		fetchErrCounter = registered
	}

	if snapshotAgeGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulseboard_snapshot_age_seconds",
			Help: "Age of the currently held snapshot per query.",
		}, []string{"query"})
		registered, err := registerGaugeVec(reg, gauge)
		if err != nil {
			return nil, err
		}
		snapshotAgeGauge = registered
	}

	if hotReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseboard_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		hotReloadCounter = registered
	}

	return &PrometheusCollector{
		fetches:     fetchCounter,
		fetchErrors: fetchErrCounter,
		snapshotAge: snapshotAgeGauge,
		hotReloads:  hotReloadCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

// IncFetch records a completed fetch for the query.
func (p *PrometheusCollector) IncFetch(query, source string) {
	if p == nil || p.fetches == nil {
		return
	}
	p.fetches.WithLabelValues(query, source).Inc()
}

// IncFetchError records a failed fetch for the query.
func (p *PrometheusCollector) IncFetchError(query, kind string) {
	if p == nil || p.fetchErrors == nil {
		return
	}
	p.fetchErrors.WithLabelValues(query, kind).Inc()
}

// SetSnapshotAge updates the age gauge for the query's current snapshot.
func (p *PrometheusCollector) SetSnapshotAge(query string, seconds float64) {
	if p == nil || p.snapshotAge == nil {
		return
	}
	p.snapshotAge.WithLabelValues(query).Set(seconds)
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}
