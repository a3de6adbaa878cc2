package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avenhart/pulseboard/cache"
	"github.com/avenhart/pulseboard/config"
	"github.com/avenhart/pulseboard/connectivity"
	"github.com/avenhart/pulseboard/remote"
	"github.com/avenhart/pulseboard/telemetry"
)

// OnlineReader exposes the current connectivity reading to the controller.
type OnlineReader interface {
	Online() bool
}

// Subscription is a live feed of state changes for a single query.
//
// The channel carries immutable State values, latest-wins: a slow consumer
// observes the newest state, never a torn intermediate one.
type Subscription struct {
	ID    uuid.UUID
	Query string
	C     <-chan State

	ch chan State
}

type queryState struct {
	cfg     config.QueryConfig
	derived *derivedBinding

	snapshot  *Snapshot
	status    Status
	lastError ErrorKind
	source    SnapshotSource

	inFlight bool
	nextRun  time.Time
	gen      uint64

	subs   map[uuid.UUID]*Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller owns one RefreshState per configured query and decides, per
// trigger, whether to call the remote source or fall back to the local
// snapshot cache.
type Controller struct {
	source    remote.Source
	store     cache.Store
	online    OnlineReader
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	queries map[string]*queryState
	order   []string
}

// Option adjusts controller construction.
type Option func(*Controller)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTelemetry wires a metrics collector into the fetch path.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Controller) {
		if collector != nil {
			c.telemetry = collector
		}
	}
}

// NewController builds a controller over the given source, cache and
// connectivity reading.
func NewController(source remote.Source, store cache.Store, online OnlineReader, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if source == nil {
		return nil, errors.New("remote source must not be nil")
	}
	if store == nil {
		return nil, errors.New("snapshot cache must not be nil")
	}
	if online == nil {
		return nil, errors.New("connectivity reader must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	controller := &Controller{
		source:    source,
		store:     store,
		online:    online,
		logger:    logger,
		telemetry: telemetry.Noop(),
		now:       time.Now,
		baseCtx:   ctx,
		stop:      cancel,
		queries:   make(map[string]*queryState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(controller)
		}
	}
	return controller, nil
}

// AddQuery registers a remote-backed query.
func (c *Controller) AddQuery(cfg config.QueryConfig) error {
	if cfg.ID == "" {
		return errors.New("query id must not be empty")
	}
	if cfg.RefreshInterval.Duration < 0 {
		return fmt.Errorf("query %s: refresh interval must not be negative", cfg.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.queries[cfg.ID]; exists {
		return fmt.Errorf("query %s already registered", cfg.ID)
	}
	c.queries[cfg.ID] = &queryState{
		cfg:    cfg,
		status: StatusIdle,
		source: SourceNone,
		subs:   make(map[uuid.UUID]*Subscription),
	}
	c.order = append(c.order, cfg.ID)
	sort.Strings(c.order)
	return nil
}

// Subscribe attaches a consumer to the query and returns the most recently
// computed state synchronously, before any asynchronous fetch settles. When
// no snapshot exists yet the returned state is loading and a fetch starts.
func (c *Controller) Subscribe(queryID string) (*Subscription, State, error) {
	c.mu.Lock()
	q, ok := c.queries[queryID]
	if !ok {
		c.mu.Unlock()
		return nil, State{}, fmt.Errorf("unknown query %s", queryID)
	}
	sub := &Subscription{ID: uuid.New(), Query: queryID, ch: make(chan State, 8)}
	sub.C = sub.ch
	q.subs[sub.ID] = sub
	if q.ctx == nil {
		q.ctx, q.cancel = context.WithCancel(c.baseCtx)
	}

	now := c.now()
	if q.derived != nil {
		c.beginInputFetchesLocked(q, now)
	}
	startFetch := q.snapshot == nil && !q.inFlight
	if startFetch {
		c.beginFetchLocked(q, ReasonInitial, now)
	}
	state := c.stateLocked(q, now)
	c.mu.Unlock()
	return sub, state, nil
}

// Unsubscribe detaches the consumer. When the last subscriber leaves, any
// in-flight fetch is cancelled and its late result discarded; the cached
// snapshot is kept.
func (c *Controller) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[sub.Query]
	if !ok {
		return
	}
	if _, ok := q.subs[sub.ID]; !ok {
		return
	}
	delete(q.subs, sub.ID)
	if len(q.subs) == 0 {
		q.gen++
		q.inFlight = false
		if q.status == StatusLoading {
			// Restore the pre-fetch status; lastError still reflects the
			// last settled outcome.
			if q.lastError != ErrorNone {
				q.status = StatusError
			} else {
				q.status = StatusIdle
			}
		}
		if q.cancel != nil {
			q.cancel()
			q.ctx, q.cancel = nil, nil
		}
	}
}

// TriggerFetch initiates a fetch unless one is already in flight for the
// query. A second trigger while loading is a no-op; the in-flight result is
// observed through the subscription feed.
func (c *Controller) TriggerFetch(queryID string, reason Reason, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[queryID]
	if !ok {
		return false, fmt.Errorf("unknown query %s", queryID)
	}
	if q.inFlight {
		return false, nil
	}
	c.beginFetchLocked(q, reason, now)
	return true, nil
}

// Tick drives scheduled refreshes. While offline, scheduled fetches are
// suspended entirely; staleness never triggers a fetch by itself. A derived
// query's subscribers count as demand on its input queries.
func (c *Controller) Tick(now time.Time) {
	online := c.online.Online()
	c.mu.Lock()
	defer c.mu.Unlock()
	demanded := c.demandedInputsLocked()
	for _, id := range c.order {
		q := c.queries[id]
		if snap := q.snapshot; snap != nil {
			c.telemetry.SetSnapshotAge(id, now.Sub(snap.RetrievedAt).Seconds())
		}
		if !online || q.derived != nil {
			continue
		}
		if len(q.subs) == 0 {
			if _, ok := demanded[id]; !ok {
				continue
			}
		}
		if q.inFlight || q.cfg.Disable {
			continue
		}
		interval := q.cfg.RefreshInterval.Duration
		if interval <= 0 {
			continue
		}
		if q.nextRun.IsZero() || !now.Before(q.nextRun) {
			c.beginFetchLocked(q, ReasonScheduled, now)
		}
	}
}

// HandleConnectivity reacts to a monitor transition. Going online fires one
// immediate fetch per subscribed query regardless of the interval elapsed.
func (c *Controller) HandleConnectivity(event connectivity.Event) {
	if !event.Online {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	demanded := c.demandedInputsLocked()
	for _, id := range c.order {
		q := c.queries[id]
		if q.derived != nil || q.inFlight || q.cfg.Disable {
			continue
		}
		if len(q.subs) == 0 {
			if _, ok := demanded[id]; !ok {
				continue
			}
		}
		c.beginFetchLocked(q, ReasonConnectivityRestored, now)
	}
}

// State returns the current state for a query.
func (c *Controller) State(queryID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[queryID]
	if !ok {
		return State{}, fmt.Errorf("unknown query %s", queryID)
	}
	return c.stateLocked(q, c.now()), nil
}

// States returns the current state of every query, sorted by id.
func (c *Controller) States() []State {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]State, 0, len(c.order))
	for _, id := range c.order {
		states = append(states, c.stateLocked(c.queries[id], now))
	}
	return states
}

// Close cancels all in-flight work.
func (c *Controller) Close() {
	c.stop()
}

// beginFetchLocked marks the query loading and starts the asynchronous fetch.
// Callers hold c.mu.
func (c *Controller) beginFetchLocked(q *queryState, reason Reason, now time.Time) {
	if q.derived != nil {
		c.beginDerivedLocked(q, now)
		return
	}
	q.inFlight = true
	if interval := q.cfg.RefreshInterval.Duration; interval > 0 {
		q.nextRun = now.Add(interval)
	}
	q.status = StatusLoading
	c.publishLocked(q, now)

	ctx := q.ctx
	if ctx == nil {
		ctx = c.baseCtx
	}
	gen := q.gen
	cfg := q.cfg
	c.logger.Debug().Str("query", cfg.ID).Str("reason", string(reason)).Msg("fetch triggered")
	go c.performFetch(ctx, cfg, gen, reason)
}

// performFetch runs the fetch algorithm: remote while online, cache fallback,
// error only when both come up empty.
func (c *Controller) performFetch(ctx context.Context, cfg config.QueryConfig, gen uint64, reason Reason) {
	online := c.online.Online()

	var payload []byte
	var fetchErr error
	if online {
		payload, fetchErr = c.source.Fetch(ctx, cfg)
		if fetchErr != nil {
			c.telemetry.IncFetchError(cfg.ID, remote.Kind(fetchErr))
			c.logger.Warn().Err(fetchErr).Str("query", cfg.ID).Str("reason", string(reason)).Msg("remote fetch failed, falling back to cache")
		}
	}

	if online && fetchErr == nil {
		now := c.now()
		entry := cache.Entry{Payload: payload, RetrievedAt: now}
		if err := c.store.Set(cfg.ID, entry); err != nil {
			c.logger.Error().Err(err).Str("query", cfg.ID).Msg("cache write-through failed")
		}
		c.settleFetch(cfg.ID, gen, func(q *queryState) {
			q.snapshot = &Snapshot{Payload: payload, RetrievedAt: now}
			q.status = StatusIdle
			q.source = SourceRemote
			q.lastError = ErrorNone
		})
		c.telemetry.IncFetch(cfg.ID, string(SourceRemote))
		return
	}

	entry, found, err := c.store.Get(cfg.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("query", cfg.ID).Msg("cache read failed")
		found = false
	}
	if found {
		c.settleFetch(cfg.ID, gen, func(q *queryState) {
			q.snapshot = &Snapshot{Payload: entry.Payload, RetrievedAt: entry.RetrievedAt}
			q.status = StatusIdle
			q.source = SourceCache
			q.lastError = ErrorNone
		})
		c.telemetry.IncFetch(cfg.ID, string(SourceCache))
		return
	}

	c.settleFetch(cfg.ID, gen, func(q *queryState) {
		q.status = StatusError
		q.lastError = ErrorNoData
	})
	c.telemetry.IncFetchError(cfg.ID, string(ErrorNoData))
}

// settleFetch applies the fetch outcome unless the subscription was torn down
// while the fetch was running, in which case the result is discarded.
func (c *Controller) settleFetch(queryID string, gen uint64, apply func(*queryState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[queryID]
	if !ok || q.gen != gen {
		return
	}
	q.inFlight = false
	apply(q)
	now := c.now()
	c.publishLocked(q, now)
	c.evaluateDependentsLocked(queryID, now)
}

func (c *Controller) stateLocked(q *queryState, now time.Time) State {
	state := State{
		Query:     q.cfg.ID,
		Snapshot:  q.snapshot,
		Status:    q.status,
		LastError: q.lastError,
		Source:    q.source,
	}
	if q.snapshot == nil {
		state.Source = SourceNone
	}
	if q.snapshot != nil {
		if q.derived != nil {
			state.IsStale = c.derivedStaleLocked(q, now)
		} else if stale := q.cfg.StaleAfter.Duration; stale > 0 {
			state.IsStale = now.Sub(q.snapshot.RetrievedAt) > stale
		}
	}
	return state
}

// publishLocked pushes the current state to every subscriber, latest-wins.
func (c *Controller) publishLocked(q *queryState, now time.Time) {
	if len(q.subs) == 0 {
		return
	}
	state := c.stateLocked(q, now)
	for _, sub := range q.subs {
		select {
		case sub.ch <- state:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- state:
		default:
		}
	}
}
