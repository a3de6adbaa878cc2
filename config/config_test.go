package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: field-dashboard
cycle: 250ms
endpoint:
  base_url: https://metrics.example.org/api
  timeout: 3s
  headers:
    X-Facility: north-camp
queries:
  - id: dashboard-metrics
    path: /v1/dashboard
    refresh_interval: 30s
    stale_after: 2m
  - id: bed-census
    path: /v1/beds
    params:
      ward: all
derived:
  - id: occupancy-rate
    expression: "bed_census.occupied / bed_census.total * 100"
    inputs: [bed-census]
cache:
  driver: sqlite
  path: /tmp/pulseboard.db
  retention: 72h
  prune_schedule: "0 3 * * *"
connectivity:
  probe_url: https://metrics.example.org/healthz
  interval: 10s
logging:
  level: debug
  format: text
telemetry:
  enabled: true
server:
  enabled: true
  listen: ":18080"
`

func TestLoadDecodesFullDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "field-dashboard", cfg.Name)
	require.Equal(t, 250*time.Millisecond, cfg.CycleInterval())
	require.Equal(t, "https://metrics.example.org/api", cfg.Endpoint.BaseURL)
	require.Equal(t, 3*time.Second, cfg.Endpoint.Timeout.Duration)

	require.Len(t, cfg.Queries, 2)
	require.Equal(t, "dashboard-metrics", cfg.Queries[0].ID)
	require.Equal(t, 30*time.Second, cfg.Queries[0].RefreshInterval.Duration)
	require.Equal(t, 2*time.Minute, cfg.Queries[0].StaleAfter.Duration)
	require.Equal(t, map[string]string{"ward": "all"}, cfg.Queries[1].Params)

	require.Len(t, cfg.Derived, 1)
	require.Equal(t, []string{"bed-census"}, cfg.Derived[0].Inputs)

	require.Equal(t, "sqlite", cfg.Cache.Driver)
	require.Equal(t, 72*time.Hour, cfg.Cache.Retention.Duration)
	require.Equal(t, "0 3 * * *", cfg.Cache.PruneSchedule)
	require.Equal(t, 10*time.Second, cfg.ProbeInterval())
	require.True(t, cfg.Telemetry.Enabled)
	require.True(t, cfg.Server.Enabled)
	require.NotEmpty(t, cfg.SourceFile)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `
queries:
  - id: q
    path: /v1/q
`,
		"bad cache driver": `
endpoint:
  base_url: https://example.org
queries:
  - id: q
    path: /v1/q
cache:
  driver: redis
`,
		"queries not a list": `
endpoint:
  base_url: https://example.org
queries: nope
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateSemanticRules(t *testing.T) {
	base := func() *Config {
		return &Config{
			Endpoint: EndpointConfig{BaseURL: "https://example.org"},
			Queries:  []QueryConfig{{ID: "a", Path: "/a"}, {ID: "b", Path: "/b"}},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Queries[1].ID = "a"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Queries[0].Path = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Queries[0].RefreshInterval = Duration{-time.Second}
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Derived = []DerivedQueryConfig{{ID: "d", Expression: "a + 1", Inputs: []string{"missing"}}}
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Derived = []DerivedQueryConfig{{ID: "d", Expression: "a + 1", Inputs: []string{"a"}}}
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Cache = CacheConfig{Driver: "sqlite"}
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestCycleIntervalDefaults(t *testing.T) {
	var cfg *Config
	require.Equal(t, time.Second, cfg.CycleInterval())
	require.Equal(t, 5*time.Second, cfg.ProbeInterval())
}
