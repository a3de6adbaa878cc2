package refresh

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/avenhart/pulseboard/config"
)

type derivedBinding struct {
	cfg     config.DerivedQueryConfig
	program *vm.Program
	inputs  []string
}

// AddDerived registers a query computed from other query snapshots. The
// expression sees each input under its identifier-sanitized id and
// re-evaluates whenever an input publishes a new snapshot.
func (c *Controller) AddDerived(cfg config.DerivedQueryConfig) error {
	if cfg.ID == "" {
		return errors.New("derived query id must not be empty")
	}
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("derived query %s: at least one input is required", cfg.ID)
	}
	program, err := expr.Compile(cfg.Expression)
	if err != nil {
		return fmt.Errorf("derived query %s: compile expression: %w", cfg.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.queries[cfg.ID]; exists {
		return fmt.Errorf("query %s already registered", cfg.ID)
	}
	for _, input := range cfg.Inputs {
		if _, ok := c.queries[input]; !ok {
			return fmt.Errorf("derived query %s: unknown input %q", cfg.ID, input)
		}
	}
	c.queries[cfg.ID] = &queryState{
		cfg:     config.QueryConfig{ID: cfg.ID},
		derived: &derivedBinding{cfg: cfg, program: program, inputs: append([]string(nil), cfg.Inputs...)},
		status:  StatusIdle,
		source:  SourceNone,
		subs:    make(map[uuid.UUID]*Subscription),
	}
	c.order = append(c.order, cfg.ID)
	sort.Strings(c.order)
	return nil
}

// beginDerivedLocked computes the derived value immediately; there is no
// asynchronous leg because inputs are already in memory.
func (c *Controller) beginDerivedLocked(q *queryState, now time.Time) {
	c.evaluateDerivedLocked(q, now)
}

// beginInputFetchesLocked starts the initial fetch for every input of a
// derived query that has no snapshot yet. A subscriber on a derived query is
// demand on its inputs even when nothing subscribes to them directly.
func (c *Controller) beginInputFetchesLocked(q *queryState, now time.Time) {
	for _, input := range q.derived.inputs {
		in, ok := c.queries[input]
		if !ok {
			continue
		}
		if in.derived != nil {
			c.beginInputFetchesLocked(in, now)
			continue
		}
		if in.snapshot == nil && !in.inFlight {
			c.beginFetchLocked(in, ReasonInitial, now)
		}
	}
}

// demandedInputsLocked collects the queries that derived queries with live
// subscribers depend on, transitively. Callers hold c.mu.
func (c *Controller) demandedInputsLocked() map[string]struct{} {
	demanded := make(map[string]struct{})
	var mark func(id string)
	mark = func(id string) {
		if _, ok := demanded[id]; ok {
			return
		}
		demanded[id] = struct{}{}
		if q, ok := c.queries[id]; ok && q.derived != nil {
			for _, input := range q.derived.inputs {
				mark(input)
			}
		}
	}
	for _, id := range c.order {
		q := c.queries[id]
		if q.derived == nil || len(q.subs) == 0 {
			continue
		}
		for _, input := range q.derived.inputs {
			mark(input)
		}
	}
	return demanded
}

// evaluateDependentsLocked re-evaluates every derived query fed by the
// changed input. Callers hold c.mu.
func (c *Controller) evaluateDependentsLocked(changedID string, now time.Time) {
	for _, id := range c.order {
		q := c.queries[id]
		if q.derived == nil {
			continue
		}
		for _, input := range q.derived.inputs {
			if input == changedID {
				c.evaluateDerivedLocked(q, now)
				break
			}
		}
	}
}

func (c *Controller) evaluateDerivedLocked(q *queryState, now time.Time) {
	env := map[string]interface{}{
		"sum":  sumValues,
		"mean": meanValues,
	}
	var oldest time.Time
	for _, input := range q.derived.inputs {
		in, ok := c.queries[input]
		if !ok || in.snapshot == nil {
			// Not all inputs have produced data yet; stay pending.
			if q.snapshot == nil {
				q.status = StatusLoading
			}
			return
		}
		var decoded interface{}
		if err := json.Unmarshal(in.snapshot.Payload, &decoded); err != nil {
			c.failDerivedLocked(q, now, fmt.Errorf("decode input %s: %w", input, err))
			return
		}
		env[identifier(input)] = decoded
		if oldest.IsZero() || in.snapshot.RetrievedAt.Before(oldest) {
			oldest = in.snapshot.RetrievedAt
		}
	}

	result, err := expr.Run(q.derived.program, env)
	if err != nil {
		c.failDerivedLocked(q, now, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		c.failDerivedLocked(q, now, err)
		return
	}
	q.snapshot = &Snapshot{Payload: payload, RetrievedAt: oldest}
	q.status = StatusIdle
	q.source = SourceDerived
	q.lastError = ErrorNone
	c.telemetry.IncFetch(q.cfg.ID, string(SourceDerived))
	c.publishLocked(q, now)
}

func (c *Controller) failDerivedLocked(q *queryState, now time.Time, err error) {
	c.logger.Error().Err(err).Str("query", q.cfg.ID).Msg("derived query evaluation failed")
	q.status = StatusError
	q.lastError = ErrorDecode
	c.telemetry.IncFetchError(q.cfg.ID, string(ErrorDecode))
	c.publishLocked(q, now)
}

// derivedStaleLocked propagates staleness: a derived snapshot is stale when
// any of its inputs is.
func (c *Controller) derivedStaleLocked(q *queryState, now time.Time) bool {
	for _, input := range q.derived.inputs {
		in, ok := c.queries[input]
		if !ok || in.snapshot == nil {
			continue
		}
		if stale := in.cfg.StaleAfter.Duration; stale > 0 && now.Sub(in.snapshot.RetrievedAt) > stale {
			return true
		}
	}
	return false
}

// identifier maps a query id onto a name usable inside expressions.
func identifier(id string) string {
	runes := []rune(id)
	for i, r := range runes {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		runes[i] = '_'
	}
	if len(runes) > 0 && unicode.IsDigit(runes[0]) {
		return "q_" + string(runes)
	}
	return string(runes)
}

func sumValues(values []interface{}) (float64, error) {
	total := decimal.Zero
	for _, value := range values {
		d, err := toDecimal(value)
		if err != nil {
			return 0, err
		}
		total = total.Add(d)
	}
	result, _ := total.Float64()
	return result, nil
}

func meanValues(values []interface{}) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("mean of empty list")
	}
	total := decimal.Zero
	for _, value := range values {
		d, err := toDecimal(value)
		if err != nil {
			return 0, err
		}
		total = total.Add(d)
	}
	result, _ := total.Div(decimal.NewFromInt(int64(len(values)))).Float64()
	return result, nil
}

func toDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	default:
		return decimal.Zero, fmt.Errorf("value %T is not numeric", value)
	}
}
