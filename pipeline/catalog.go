/*
Package pipeline orchestrates the staged runs.

PURPOSE:
  Reads a declarative step catalog (name, dependencies, on-error policy),
  resolves a topological execution order, and dispatches ready steps to a
  bounded worker pool. Each dispatched step claims its job unit through the
  ledger, so two orchestrator processes sharing a store cannot double-run
  a scope.

DESIGN PRINCIPLES:
  - The catalog declares ordering; the orchestrator never infers it from
    timing. extract→transform→load per entity is a dependency edge like
    any other.
  - A step failure is a policy decision: abort-pipeline halts scheduling
    of new work (running branches finish), skip-downstream sidelines the
    dependents only, continue lets everything else proceed.
  - --only selects the closure of a step and its dependencies; --skip
    removes a step but counts it as satisfied for its dependents.

SEE ALSO:
  - etl/ledger.go: claim/complete/fail semantics behind each step
*/
package pipeline

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// STEP CATALOG
// =============================================================================

// Policy decides what a step's failure does to the rest of the run.
type Policy string

const (
	PolicyAbortPipeline  Policy = "abort-pipeline"
	PolicySkipDownstream Policy = "skip-downstream"
	PolicyContinue       Policy = "continue"
)

// StepSpec is one declared pipeline step.
type StepSpec struct {
	Name      string     `yaml:"name"`
	Entity    etl.Entity `yaml:"entity"`
	Stage     etl.Stage  `yaml:"stage"`
	DependsOn []string   `yaml:"depends_on"`
	OnError   Policy     `yaml:"on_error"`
}

// Catalog is the parsed, validated step graph.
type Catalog struct {
	Steps []StepSpec `yaml:"steps"`

	byName map[string]int
	order  []string // topological, deterministic
}

// LoadCatalog reads and validates a YAML step catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading step catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog validates the catalog: unique step names, known
// dependencies, known policies, and an acyclic graph.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing step catalog: %w", err)
	}
	if len(c.Steps) == 0 {
		return nil, fmt.Errorf("step catalog declares no steps")
	}

	c.byName = make(map[string]int, len(c.Steps))
	for i := range c.Steps {
		step := &c.Steps[i]
		if step.Name == "" {
			return nil, fmt.Errorf("step %d: missing name", i)
		}
		if _, dup := c.byName[step.Name]; dup {
			return nil, fmt.Errorf("step %q: declared twice", step.Name)
		}
		c.byName[step.Name] = i

		switch step.OnError {
		case PolicyAbortPipeline, PolicySkipDownstream, PolicyContinue:
		case "":
			step.OnError = PolicyAbortPipeline
		default:
			return nil, fmt.Errorf("step %q: unknown on_error policy %q", step.Name, step.OnError)
		}
	}
	for _, step := range c.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := c.byName[dep]; !ok {
				return nil, fmt.Errorf("step %q: unknown dependency %q", step.Name, dep)
			}
			if dep == step.Name {
				return nil, fmt.Errorf("step %q: depends on itself", step.Name)
			}
		}
	}

	order, err := c.topoOrder()
	if err != nil {
		return nil, err
	}
	c.order = order
	return &c, nil
}

// Step returns the spec for a name.
func (c *Catalog) Step(name string) (StepSpec, bool) {
	i, ok := c.byName[name]
	if !ok {
		return StepSpec{}, false
	}
	return c.Steps[i], true
}

// Order returns the topological execution order. Ties break on declaration
// order so plans are stable across runs.
func (c *Catalog) Order() []string {
	return append([]string(nil), c.order...)
}

// topoOrder is Kahn's algorithm; a nonempty remainder means a cycle.
func (c *Catalog) topoOrder() ([]string, error) {
	indegree := make(map[string]int, len(c.Steps))
	dependents := make(map[string][]string, len(c.Steps))
	for _, step := range c.Steps {
		indegree[step.Name] += 0
		for _, dep := range step.DependsOn {
			indegree[step.Name]++
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var ready []string
	for _, step := range c.Steps {
		if indegree[step.Name] == 0 {
			ready = append(ready, step.Name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return c.byName[ready[i]] < c.byName[ready[j]]
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(c.Steps) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("step catalog has a dependency cycle involving %v", stuck)
	}
	return order, nil
}

// Select resolves --only/--skip into the set of steps to execute. An
// --only selection pulls in its transitive dependencies; --skip then
// removes steps, which their dependents treat as satisfied.
func (c *Catalog) Select(only, skip []string) (map[string]bool, error) {
	for _, name := range append(append([]string(nil), only...), skip...) {
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("unknown step %q", name)
		}
	}

	selected := make(map[string]bool, len(c.Steps))
	if len(only) == 0 {
		for _, step := range c.Steps {
			selected[step.Name] = true
		}
	} else {
		var visit func(name string)
		visit = func(name string) {
			if selected[name] {
				return
			}
			selected[name] = true
			step, _ := c.Step(name)
			for _, dep := range step.DependsOn {
				visit(dep)
			}
		}
		for _, name := range only {
			visit(name)
		}
	}

	for _, name := range skip {
		delete(selected, name)
	}
	return selected, nil
}

// Dependents returns the transitive dependents of a step, in topological
// order.
func (c *Catalog) Dependents(name string) []string {
	direct := make(map[string][]string, len(c.Steps))
	for _, step := range c.Steps {
		for _, dep := range step.DependsOn {
			direct[dep] = append(direct[dep], step.Name)
		}
	}
	reached := make(map[string]bool)
	var visit func(n string)
	visit = func(n string) {
		for _, d := range direct[n] {
			if !reached[d] {
				reached[d] = true
				visit(d)
			}
		}
	}
	visit(name)

	var out []string
	for _, n := range c.order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}
