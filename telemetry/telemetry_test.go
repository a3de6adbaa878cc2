package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetRegistry() {
	registryMu.Lock()
	fetchCounter = nil
	fetchErrCounter = nil
	snapshotAgeGauge = nil
	hotReloadCounter = nil
	registryMu.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncFetch("dashboard-metrics", "remote")
	collector.IncFetchError("dashboard-metrics", "network")
	collector.SetSnapshotAge("dashboard-metrics", 12)
	collector.IncHotReload("config.yaml")
}

func TestPrometheusCollectorRegistersAndReusesMetrics(t *testing.T) {
	resetRegistry()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncFetch("dashboard-metrics", "remote")
	collector.IncFetchError("dashboard-metrics", "network")
	collector.SetSnapshotAge("dashboard-metrics", 42)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}

	fetches := byName["pulseboard_fetch_total"]
	require.NotNil(t, fetches)
	require.Len(t, fetches.Metric, 1)
	require.Equal(t, float64(1), fetches.Metric[0].Counter.GetValue())

	age := byName["pulseboard_snapshot_age_seconds"]
	require.NotNil(t, age)
	require.Equal(t, float64(42), age.Metric[0].Gauge.GetValue())

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.fetches, again.fetches)

	again.IncFetch("dashboard-metrics", "remote")
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "pulseboard_fetch_total" {
			require.Equal(t, float64(2), family.Metric[0].Counter.GetValue())
		}
	}
}
