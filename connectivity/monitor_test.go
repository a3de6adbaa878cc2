package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMonitorFirstReadingIsNotATransition(t *testing.T) {
	monitor := NewMonitor(nil, time.Second, zerolog.Nop())
	_, events := monitor.Subscribe()

	monitor.Observe(Status{Connected: false}, time.Now())
	require.False(t, monitor.Online())
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for initial reading: %+v", ev)
	default:
	}
}

func TestMonitorEmitsOneEventPerEdge(t *testing.T) {
	monitor := NewMonitor(nil, time.Second, zerolog.Nop())
	_, events := monitor.Subscribe()

	now := time.Now()
	monitor.Observe(Status{Connected: true}, now)

	// Repeated identical readings are silent.
	monitor.Observe(Status{Connected: true}, now.Add(time.Second))
	monitor.Observe(Status{Connected: true}, now.Add(2*time.Second))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event without an edge: %+v", ev)
	default:
	}

	monitor.Observe(Status{Connected: false}, now.Add(3*time.Second))
	ev := <-events
	require.False(t, ev.Online)
	require.False(t, monitor.Online())

	monitor.Observe(Status{Connected: true}, now.Add(4*time.Second))
	ev = <-events
	require.True(t, ev.Online)
	require.True(t, monitor.Online())

	select {
	case ev := <-events:
		t.Fatalf("spurious extra event: %+v", ev)
	default:
	}
}

func TestMonitorUnsubscribeStopsDelivery(t *testing.T) {
	monitor := NewMonitor(nil, time.Second, zerolog.Nop())
	id, events := monitor.Subscribe()

	monitor.Observe(Status{Connected: true}, time.Now())
	monitor.Unsubscribe(id)
	monitor.Observe(Status{Connected: false}, time.Now())

	select {
	case ev := <-events:
		t.Fatalf("event delivered after unsubscribe: %+v", ev)
	default:
	}
}

func TestMonitorDefaultsToOnlineBeforeFirstReading(t *testing.T) {
	monitor := NewMonitor(nil, time.Second, zerolog.Nop())
	require.True(t, monitor.Online())
}

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
	}))
	defer server.Close()

	probe := NewHTTPProbe(server.URL, time.Second)
	status := probe.Probe(context.Background())
	require.True(t, status.Connected)
	require.Equal(t, "http", status.Type)

	server.Close()
	status = probe.Probe(context.Background())
	require.False(t, status.Connected)
}
