package connectivity

import (
	"context"
	"net/http"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a single reading of the platform network primitive.
type Status struct {
	Connected bool
	Type      string
	Strength  *float64
}

// Probe produces connectivity readings. Implementations wrap whatever
// platform primitive is available; a failed probe counts as offline.
type Probe interface {
	Probe(ctx context.Context) Status
}

// Event is a genuine edge transition between online and offline.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor polls a Probe and emits exactly one event per edge transition.
//
// Consecutive identical readings produce no event, and the first reading
// after startup does not count as a transition. Until that first reading
// arrives the monitor reports online, so fetches attempt the remote source.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	online bool
	seeded bool
	subs   map[uuid.UUID]chan Event

	done chan struct{}
	stop sync.Once
}

// NewMonitor wraps the probe with edge detection at the given poll interval.
func NewMonitor(probe Probe, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		online:   true,
		subs:     make(map[uuid.UUID]chan Event),
		done:     make(chan struct{}),
	}
}

// Run polls the probe until the context is cancelled or Close is called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			status := m.probe.Probe(probeCtx)
			cancel()
			m.Observe(status, time.Now())
		}
	}
}

// Observe applies a reading, emitting a transition event on a genuine edge.
func (m *Monitor) Observe(status Status, now time.Time) {
	m.mu.Lock()
	if !m.seeded {
		m.seeded = true
		m.online = status.Connected
		m.mu.Unlock()
		return
	}
	if m.online == status.Connected {
		m.mu.Unlock()
		return
	}
	m.online = status.Connected
	subs := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	event := Event{Online: status.Connected, At: now}
	if status.Connected {
		m.logger.Info().Str("type", status.Type).Msg("connectivity restored")
	} else {
		m.logger.Warn().Str("type", status.Type).Msg("connectivity lost")
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			m.logger.Warn().Msg("connectivity subscriber lagging, event dropped")
		}
	}
}

// Online reports the most recent reading.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers for transition events.
func (m *Monitor) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a previously registered subscription.
func (m *Monitor) Unsubscribe(id uuid.UUID) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Close stops the poll loop.
func (m *Monitor) Close() {
	m.stop.Do(func() { close(m.done) })
}

type httpProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe reports online while the given URL answers a HEAD request.
func NewHTTPProbe(url string, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &httpProbe{url: url, client: &http.Client{Timeout: timeout}}
}

func (p *httpProbe) Probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Status{Connected: false, Type: "http"}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Status{Connected: false, Type: "http"}
	}
	resp.Body.Close()
	return Status{Connected: true, Type: "http"}
}
