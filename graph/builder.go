package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Builder assembles a Graph. It is not safe for concurrent use; build the
// graph once at startup and share the compiled Graph.
//
// Example:
//
//	b := graph.NewBuilder(schema)
//	_ = b.Register("classify", classify)
//	_ = b.Register("answer", answer, graph.Terminal())
//	_ = b.AddEdge("classify", graph.FieldEquals("intent", graph.String("help")), "answer")
//	_ = b.AddEdge("classify", graph.Otherwise, "answer")
//	_ = b.AddEdge("answer", graph.Otherwise, graph.End)
//	g, err := b.Compile("classify")
type Builder struct {
	schema Schema
	steps  map[string]*stepDef
	order  []string
	edges  map[string][]Edge
}

// NewBuilder returns a builder for graphs whose state follows schema.
// A nil schema accepts any field.
func NewBuilder(schema Schema) *Builder {
	return &Builder{
		schema: schema,
		steps:  make(map[string]*stepDef),
		edges:  make(map[string][]Edge),
	}
}

// Register adds a named step.
func (b *Builder) Register(name string, step Step, opts ...StepOption) error {
	if name == "" {
		return &EngineError{Message: "step name cannot be empty", Code: "INVALID_STEP"}
	}
	if name == End {
		return &EngineError{Message: "step name " + End + " is reserved", Code: "INVALID_STEP"}
	}
	if step == nil {
		return &EngineError{Message: "step " + name + " cannot be nil", Code: "INVALID_STEP"}
	}
	if _, exists := b.steps[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}

	def := &stepDef{name: name, step: step}
	if r, ok := step.(Resumer); ok {
		def.resumer = r
	}
	for _, opt := range opts {
		opt(def)
	}
	b.steps[name] = def
	b.order = append(b.order, name)
	return nil
}

// AddEdge connects from to to under cond. Use Otherwise for the default edge
// and End as to for edges that finish the run.
func (b *Builder) AddEdge(from string, cond Condition, to string) error {
	if _, ok := b.steps[from]; !ok {
		return fmt.Errorf("%w: edge source %s", ErrUnknownStep, from)
	}
	if _, ok := b.steps[to]; !ok && to != End {
		return fmt.Errorf("%w: edge target %s", ErrUnknownStep, to)
	}
	if cond.IsDefault() {
		for _, e := range b.edges[from] {
			if e.When.IsDefault() {
				return fmt.Errorf("%w: %s already routes to %s", ErrDuplicateDefaultEdge, from, e.To)
			}
		}
	}
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, When: cond})
	return nil
}

// Compile validates the graph and returns an immutable Graph starting at start.
func (b *Builder) Compile(start string) (*Graph, error) {
	if err := b.schema.Validate(); err != nil {
		return nil, err
	}
	if _, ok := b.steps[start]; !ok {
		return nil, fmt.Errorf("%w: start step %s", ErrUnknownStep, start)
	}

	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, e := range b.edges[name] {
			if e.To == End || reached[e.To] {
				continue
			}
			reached[e.To] = true
			queue = append(queue, e.To)
		}
	}
	var unreachable []string
	for _, name := range b.order {
		if !reached[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, fmt.Errorf("%w: %s", ErrUnreachableStep, strings.Join(unreachable, ", "))
	}

	for _, name := range b.order {
		if b.steps[name].terminal {
			continue
		}
		hasDefault := false
		for _, e := range b.edges[name] {
			if e.When.IsDefault() {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			return nil, fmt.Errorf("%w: %s", ErrNoDefaultEdge, name)
		}
	}

	g := &Graph{
		schema: b.schema,
		start:  start,
		steps:  make(map[string]*stepDef, len(b.steps)),
		edges:  make(map[string][]Edge, len(b.edges)),
	}
	for name, def := range b.steps {
		cp := *def
		g.steps[name] = &cp
	}
	for from, edges := range b.edges {
		g.edges[from] = append([]Edge(nil), edges...)
	}
	return g, nil
}

// Graph is a compiled, immutable workflow definition. It is safe for
// concurrent use by any number of runs.
type Graph struct {
	schema Schema
	start  string
	steps  map[string]*stepDef
	edges  map[string][]Edge
}

// Start returns the entry step.
func (g *Graph) Start() string { return g.start }

// Schema returns the state schema.
func (g *Graph) Schema() Schema { return g.schema }

// Steps returns the registered step names, sorted.
func (g *Graph) Steps() []string {
	names := make([]string, 0, len(g.steps))
	for name := range g.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Edges returns the outgoing edges of step in declaration order.
func (g *Graph) Edges(step string) []Edge {
	return append([]Edge(nil), g.edges[step]...)
}

func (g *Graph) step(name string) (*stepDef, bool) {
	def, ok := g.steps[name]
	return def, ok
}

// Next selects the successor of step for state s.
//
// Conditional edges are tried in declaration order and the first match wins.
// The default edge is taken only when every conditional edge declines.
// Next is a pure function of its arguments.
func (g *Graph) Next(step string, s State) (string, error) {
	edges, ok := g.edges[step]
	if !ok {
		if _, known := g.steps[step]; !known {
			return "", fmt.Errorf("%w: %s", ErrUnknownStep, step)
		}
	}

	var fallback *Edge
	for i := range edges {
		e := &edges[i]
		if e.When.IsDefault() {
			fallback = e
			continue
		}
		if e.When.Match(s) {
			return e.To, nil
		}
	}
	if fallback != nil {
		return fallback.To, nil
	}
	return "", fmt.Errorf("%w: from %s", ErrNoRoute, step)
}
