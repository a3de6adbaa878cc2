package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avenhart/pulseboard/cache"
	"github.com/avenhart/pulseboard/config"
)

func censusQuery() config.QueryConfig {
	return config.QueryConfig{
		ID:              "bed-census",
		Path:            "/v1/census",
		RefreshInterval: config.Duration{Duration: time.Minute},
		StaleAfter:      config.Duration{Duration: 2 * time.Minute},
	}
}

func occupancyQuery() config.DerivedQueryConfig {
	return config.DerivedQueryConfig{
		ID:         "occupancy",
		Expression: "bed_census.occupied / bed_census.total * 100",
		Inputs:     []string{"bed-census"},
	}
}

func TestAddDerivedValidation(t *testing.T) {
	clock := newTestClock()
	controller := newTestController(t, newFakeSource(), cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))

	require.Error(t, controller.AddDerived(config.DerivedQueryConfig{Expression: "1", Inputs: []string{"bed-census"}}))
	require.Error(t, controller.AddDerived(config.DerivedQueryConfig{ID: "x", Expression: "1"}))
	require.Error(t, controller.AddDerived(config.DerivedQueryConfig{ID: "x", Expression: "1 +", Inputs: []string{"bed-census"}}))
	require.Error(t, controller.AddDerived(config.DerivedQueryConfig{ID: "x", Expression: "1", Inputs: []string{"nope"}}))
	require.NoError(t, controller.AddDerived(occupancyQuery()))
	require.Error(t, controller.AddDerived(occupancyQuery()))
}

func TestDerivedEvaluatesWhenInputSettles(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"occupied":21,"total":42}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(occupancyQuery()))

	derivedSub, initial, err := controller.Subscribe("occupancy")
	require.NoError(t, err)
	require.Equal(t, StatusLoading, initial.Status, "derived query waits for its inputs")

	state := waitForState(t, derivedSub, func(s State) bool { return s.Status == StatusIdle })
	require.Equal(t, SourceDerived, state.Source)
	require.JSONEq(t, `50`, string(state.Snapshot.Payload))

	input, err := controller.State("bed-census")
	require.NoError(t, err)
	require.True(t, state.Snapshot.RetrievedAt.Equal(input.Snapshot.RetrievedAt))
}

func TestDerivedSubscriptionDrivesInputFetches(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"occupied":21,"total":42}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(occupancyQuery()))

	// Nobody subscribes to the input directly; the derived subscription
	// alone must pull it in.
	sub, initial, err := controller.Subscribe("occupancy")
	require.NoError(t, err)
	require.Equal(t, StatusLoading, initial.Status)

	state := waitForState(t, sub, func(s State) bool { return s.Status == StatusIdle })
	require.Equal(t, SourceDerived, state.Source)
	require.JSONEq(t, `50`, string(state.Snapshot.Payload))
	require.GreaterOrEqual(t, source.calls.Load(), int64(1))
}

func TestDerivedSubscriptionKeepsInputsScheduled(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"occupied":21,"total":42}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(occupancyQuery()))

	sub, _, err := controller.Subscribe("occupancy")
	require.NoError(t, err)
	waitForState(t, sub, func(s State) bool { return s.Status == StatusIdle })

	// The input refreshes on its own interval as long as the derived
	// query keeps a subscriber.
	source.respond("bed-census", `{"occupied":42,"total":42}`)
	controller.Tick(clock.Advance(censusQuery().RefreshInterval.Duration + time.Second))

	state := waitForState(t, sub, func(s State) bool {
		return s.Status == StatusIdle && string(s.Snapshot.Payload) == `100`
	})
	require.Equal(t, SourceDerived, state.Source)
}

func TestDerivedStalenessFollowsInputs(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"occupied":21,"total":42}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(occupancyQuery()))

	sub, _, err := controller.Subscribe("occupancy")
	require.NoError(t, err)
	waitForState(t, sub, func(s State) bool { return s.Status == StatusIdle })

	state, err := controller.State("occupancy")
	require.NoError(t, err)
	require.False(t, state.IsStale)

	clock.Advance(3 * time.Minute)
	state, err = controller.State("occupancy")
	require.NoError(t, err)
	require.True(t, state.IsStale, "derived staleness must follow the inputs")
}

func TestDerivedEvaluationFailureSurfacesDecodeError(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"occupied":21,"total":42}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(config.DerivedQueryConfig{
		ID:         "broken",
		Expression: "bed_census.missing + 1",
		Inputs:     []string{"bed-census"},
	}))

	derivedSub, _, err := controller.Subscribe("broken")
	require.NoError(t, err)

	state := waitForState(t, derivedSub, func(s State) bool { return s.Status == StatusError })
	require.Equal(t, ErrorDecode, state.LastError)
}

func TestDerivedAggregateHelpers(t *testing.T) {
	source := newFakeSource()
	source.respond("bed-census", `{"values":[1,2,3]}`)
	clock := newTestClock()
	controller := newTestController(t, source, cache.NewMemory(), newFakeOnline(true), clock)
	require.NoError(t, controller.AddQuery(censusQuery()))
	require.NoError(t, controller.AddDerived(config.DerivedQueryConfig{
		ID:         "totals",
		Expression: "sum(bed_census.values) + mean(bed_census.values)",
		Inputs:     []string{"bed-census"},
	}))

	derivedSub, _, err := controller.Subscribe("totals")
	require.NoError(t, err)

	state := waitForState(t, derivedSub, func(s State) bool { return s.Status == StatusIdle })
	require.JSONEq(t, `8`, string(state.Snapshot.Payload))
}

func TestIdentifierSanitizesQueryIDs(t *testing.T) {
	require.Equal(t, "bed_census", identifier("bed-census"))
	require.Equal(t, "ward_a_beds", identifier("ward.a beds"))
	require.Equal(t, "q_9lives", identifier("9lives"))
	require.Equal(t, "plain", identifier("plain"))
}

func TestSumAndMean(t *testing.T) {
	total, err := sumValues([]interface{}{float64(0.1), float64(0.2), float64(0.3)})
	require.NoError(t, err)
	require.Equal(t, 0.6, total)

	avg, err := meanValues([]interface{}{float64(2), float64(4)})
	require.NoError(t, err)
	require.Equal(t, 3.0, avg)

	_, err = meanValues(nil)
	require.Error(t, err)
	_, err = sumValues([]interface{}{"not a number x"})
	require.Error(t, err)
}
