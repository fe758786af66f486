package registry

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"trigon/internal/core/entity"
	"trigon/internal/engine/event"
)

// Conditions compiles and evaluates descriptor condition expressions.
// Programs are compiled once per distinct expression and cached; descriptor
// sets are small and stable so the cache is never evicted.
type Conditions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditions creates a condition evaluator with the event environment:
// `before` and `after` are lists of record field maps, `action` and `kind`
// are strings.
func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("before", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("after", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("action", cel.StringType),
		cel.Variable("kind", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Conditions{env: env, cache: make(map[string]cel.Program)}, nil
}

// Matches evaluates expr against the change event. An empty expression
// matches everything. A compile or evaluation error is returned to the
// caller, which treats it as a configuration error for that descriptor.
func (c *Conditions) Matches(expr string, ev *event.Change) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"before": recordMaps(ev.Before),
		"after":  recordMaps(ev.After),
		"action": string(ev.Action),
		"kind":   ev.Entity.Kind,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not boolean: %T", out.Value())
	}
	return result, nil
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create condition program: %w", err)
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// recordMaps converts records to plain maps for CEL evaluation.
// The id and deletion mark are exposed alongside the record fields.
func recordMaps(records []*entity.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		m := make(map[string]any, len(r.Attributes)+2)
		for k, v := range r.Attributes {
			m[k] = v
		}
		m["id"] = r.ID.String()
		m["deletionMark"] = r.DeletionMark
		out = append(out, m)
	}
	return out
}
