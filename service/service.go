package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/avenhart/pulseboard/cache"
	"github.com/avenhart/pulseboard/config"
	"github.com/avenhart/pulseboard/connectivity"
	"github.com/avenhart/pulseboard/refresh"
	"github.com/avenhart/pulseboard/remote"
	"github.com/avenhart/pulseboard/telemetry"
)

// Service wires the refresh controller, connectivity monitor, snapshot cache
// and the optional live view into one runnable unit.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      cache.Store
	monitor    *connectivity.Monitor
	controller *refresh.Controller
	pruner     *cron.Cron
	telemetry  telemetry.Collector
	clock      func() time.Time

	liveView *liveViewServer
}

type dependencies struct {
	source    remote.Source
	store     cache.Store
	probe     connectivity.Probe
	telemetry telemetry.Collector
	clock     func() time.Time
}

// Option overrides a dependency during construction, used by tests and by
// callers embedding the service behind a different transport.
type Option func(*dependencies)

// WithSource replaces the HTTP source built from the endpoint configuration.
func WithSource(source remote.Source) Option {
	return func(d *dependencies) {
		if source != nil {
			d.source = source
		}
	}
}

// WithStore replaces the cache store built from the cache configuration.
func WithStore(store cache.Store) Option {
	return func(d *dependencies) {
		if store != nil {
			d.store = store
		}
	}
}

// WithProbe replaces the connectivity probe.
func WithProbe(probe connectivity.Probe) Option {
	return func(d *dependencies) {
		if probe != nil {
			d.probe = probe
		}
	}
}

// WithTelemetry wires a metrics collector into the service.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(d *dependencies) {
		if collector != nil {
			d.telemetry = collector
		}
	}
}

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *dependencies) {
		if now != nil {
			d.clock = now
		}
	}
}

func buildDependencies(cfg *config.Config, opts []Option) (dependencies, error) {
	deps := dependencies{telemetry: telemetry.Noop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}
	if deps.source == nil {
		source, err := remote.NewHTTPSource(cfg.Endpoint)
		if err != nil {
			return dependencies{}, err
		}
		deps.source = source
	}
	if deps.store == nil {
		store, err := buildStore(cfg.Cache)
		if err != nil {
			return dependencies{}, err
		}
		deps.store = store
	}
	if deps.probe == nil {
		probeURL := cfg.Connectivity.ProbeURL
		if probeURL == "" {
			probeURL = cfg.Endpoint.BaseURL
		}
		deps.probe = connectivity.NewHTTPProbe(probeURL, cfg.Connectivity.Timeout.Duration)
	}
	return deps, nil
}

func buildStore(cfg config.CacheConfig) (cache.Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return cache.NewMemory(), nil
	case "sqlite":
		return cache.NewSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// New builds a service from configuration and dependencies.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	deps, err := buildDependencies(cfg, opts)
	if err != nil {
		return nil, err
	}

	monitor := connectivity.NewMonitor(deps.probe, cfg.ProbeInterval(), logger.With().Str("component", "connectivity").Logger())
	controller, err := refresh.NewController(deps.source, deps.store, monitor, logger.With().Str("component", "refresh").Logger(),
		refresh.WithTelemetry(deps.telemetry),
		refresh.WithClock(deps.clock),
	)
	if err != nil {
		deps.store.Close()
		return nil, err
	}
	svc := &Service{
		cfg:        cfg,
		logger:     logger,
		store:      deps.store,
		monitor:    monitor,
		controller: controller,
		telemetry:  deps.telemetry,
		clock:      deps.clock,
	}
	cleanupOnErr := func(err error) (*Service, error) {
		svc.Close()
		return nil, err
	}

	for _, query := range cfg.Queries {
		if err := controller.AddQuery(query); err != nil {
			return cleanupOnErr(err)
		}
	}
	for _, derived := range cfg.Derived {
		if err := controller.AddDerived(derived); err != nil {
			return cleanupOnErr(err)
		}
	}

	if retention := cfg.Cache.Retention.Duration; retention > 0 {
		schedule := cfg.Cache.PruneSchedule
		if schedule == "" {
			schedule = "@hourly"
		}
		pruner := cron.New()
		_, err := pruner.AddFunc(schedule, func() {
			removed, err := svc.store.Prune(deps.clock().Add(-retention))
			if err != nil {
				svc.logger.Error().Err(err).Msg("cache prune failed")
				return
			}
			if removed > 0 {
				svc.logger.Info().Int("removed", removed).Msg("pruned expired cache entries")
			}
		})
		if err != nil {
			return cleanupOnErr(fmt.Errorf("cache prune_schedule %q: %w", schedule, err))
		}
		svc.pruner = pruner
	}
	return svc, nil
}

// Validate performs a dry-run validation of the configuration without
// starting background services or touching the cache path.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	opts = append([]Option{WithStore(cache.NewMemory())}, opts...)
	svc, err := New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	return svc.Close()
}

// Controller exposes the refresh controller for embedding consumers.
func (s *Service) Controller() *refresh.Controller {
	if s == nil {
		return nil
	}
	return s.controller
}

// Online reports the most recent connectivity reading.
func (s *Service) Online() bool {
	if s == nil || s.monitor == nil {
		return false
	}
	return s.monitor.Online()
}

// Subscribe attaches a consumer to a query's state feed.
func (s *Service) Subscribe(queryID string) (*refresh.Subscription, refresh.State, error) {
	if s == nil {
		return nil, refresh.State{}, errors.New("service is nil")
	}
	return s.controller.Subscribe(queryID)
}

// Unsubscribe detaches a consumer from its feed.
func (s *Service) Unsubscribe(sub *refresh.Subscription) {
	if s == nil {
		return
	}
	s.controller.Unsubscribe(sub)
}

// TriggerRefresh fires a manual refresh. It reports whether a fetch actually
// started; a fetch already in flight makes the call a no-op.
func (s *Service) TriggerRefresh(queryID string) (bool, error) {
	if s == nil {
		return false, errors.New("service is nil")
	}
	return s.controller.TriggerFetch(queryID, refresh.ReasonManual, s.clock())
}

// States returns the current state of every configured query.
func (s *Service) States() []refresh.State {
	if s == nil {
		return nil
	}
	return s.controller.States()
}

// Run executes the controller loop until the context is cancelled. It drives
// the scheduled refresh cycle and reacts to connectivity transitions.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if s.pruner != nil {
		s.pruner.Start()
		defer s.pruner.Stop()
	}
	go s.monitor.Run(ctx)
	subID, events := s.monitor.Subscribe()
	defer s.monitor.Unsubscribe(subID)

	ticker := time.NewTicker(s.cfg.CycleInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.controller.Tick(now)
		case event := <-events:
			s.controller.HandleConnectivity(event)
		}
	}
}

// EnableLiveView starts the optional live view HTTP server.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := s.logger.With().Str("component", "live_view").Logger()
	server, err := newLiveViewServer(listen, s, logger)
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// LiveViewAddress returns the live view listen address, if enabled.
func (s *Service) LiveViewAddress() string {
	if s == nil || s.liveView == nil {
		return ""
	}
	return s.liveView.addr()
}

// Close releases all background resources held by the service.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	if s.pruner != nil {
		s.pruner.Stop()
	}
	if s.liveView != nil {
		s.liveView.close()
	}
	if s.controller != nil {
		s.controller.Close()
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
