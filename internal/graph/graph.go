// Package graph runs pipelines expressed as directed graphs of nodes over a
// shared, typed state.
//
// Nodes receive a snapshot of the state and return a patch. Patches are
// applied by the engine goroutine only, in completion order, so the last
// applied patch wins on overlapping fields. Nodes enabled at the same time run
// concurrently. A deferred node is a join: it runs once, after every declared
// predecessor has completed.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	Start = "__start__"
	End   = "__end__"
)

var (
	ErrUnknownRoute = errors.New("selector returned unknown route")
	ErrStepLimit    = errors.New("step limit exceeded")
)

const defaultMaxSteps = 64

// Update mutates the state in place. A nil Update leaves the state untouched.
type Update[S any] func(*S)

type NodeFunc[S any] func(ctx context.Context, state S) (Update[S], error)

// Selector returns the label of the outgoing route to follow.
type Selector[S any] func(state S) string

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	deferred bool
}

// Deferred marks a node as a join over all of its predecessors.
func Deferred() NodeOption {
	return func(o *nodeOptions) { o.deferred = true }
}

// Observer is notified after every node execution.
type Observer interface {
	NodeFinished(graph, node string, elapsed time.Duration, err error)
}

type Option func(*options)

type options struct {
	maxSteps int
	observer Observer
}

func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

type node[S any] struct {
	fn       NodeFunc[S]
	deferred bool
}

type conditional[S any] struct {
	selector Selector[S]
	routes   map[string]string
}

type Builder[S any] struct {
	name  string
	nodes map[string]node[S]
	edges map[string][]string
	conds map[string]conditional[S]
	errs  []error
}

func New[S any](name string) *Builder[S] {
	return &Builder[S]{
		name:  name,
		nodes: make(map[string]node[S]),
		edges: make(map[string][]string),
		conds: make(map[string]conditional[S]),
	}
}

func (b *Builder[S]) AddNode(name string, fn NodeFunc[S], opts ...NodeOption) *Builder[S] {
	switch {
	case name == "" || name == Start || name == End:
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", name))
		return b
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("node %q has no function", name))
		return b
	}
	if _, dup := b.nodes[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node %q", name))
		return b
	}
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	b.nodes[name] = node[S]{fn: fn, deferred: o.deferred}
	return b
}

func (b *Builder[S]) AddEdge(from, to string) *Builder[S] {
	b.edges[from] = append(b.edges[from], to)
	return b
}

func (b *Builder[S]) AddConditionalEdge(from string, selector Selector[S], routes map[string]string) *Builder[S] {
	if _, dup := b.conds[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a conditional edge", from))
		return b
	}
	if selector == nil || len(routes) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q needs a selector and routes", from))
		return b
	}
	copied := make(map[string]string, len(routes))
	for label, to := range routes {
		copied[label] = to
	}
	b.conds[from] = conditional[S]{selector: selector, routes: copied}
	return b
}

func (b *Builder[S]) Compile(opts ...Option) (*Graph[S], error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph %s: %w", b.name, errors.Join(b.errs...))
	}
	o := options{maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSteps <= 0 {
		return nil, fmt.Errorf("graph %s: max steps must be positive", b.name)
	}

	known := func(name string) bool {
		_, ok := b.nodes[name]
		return ok
	}
	preds := make(map[string]map[string]struct{})
	link := func(from, to string) error {
		if from != Start && !known(from) {
			return fmt.Errorf("edge from unknown node %q", from)
		}
		if to != End && !known(to) {
			return fmt.Errorf("edge from %q to unknown node %q", from, to)
		}
		if to == Start || from == End {
			return fmt.Errorf("invalid edge %q -> %q", from, to)
		}
		if preds[to] == nil {
			preds[to] = make(map[string]struct{})
		}
		preds[to][from] = struct{}{}
		return nil
	}
	for from, targets := range b.edges {
		if _, ok := b.conds[from]; ok {
			return nil, fmt.Errorf("graph %s: node %q mixes plain and conditional edges", b.name, from)
		}
		for _, to := range targets {
			if err := link(from, to); err != nil {
				return nil, fmt.Errorf("graph %s: %w", b.name, err)
			}
		}
	}
	for from, cond := range b.conds {
		for _, to := range cond.routes {
			if err := link(from, to); err != nil {
				return nil, fmt.Errorf("graph %s: %w", b.name, err)
			}
		}
	}

	if len(b.edges[Start]) == 0 && b.conds[Start].selector == nil {
		return nil, fmt.Errorf("graph %s: start has no outgoing edge", b.name)
	}
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(b.edges[name]) == 0 && b.conds[name].selector == nil {
			return nil, fmt.Errorf("graph %s: node %q has no outgoing edge", b.name, name)
		}
		if len(preds[name]) == 0 {
			return nil, fmt.Errorf("graph %s: node %q is unreachable", b.name, name)
		}
		if b.nodes[name].deferred && len(preds[name]) < 2 {
			return nil, fmt.Errorf("graph %s: deferred node %q needs at least two predecessors", b.name, name)
		}
	}

	g := &Graph[S]{
		name:     b.name,
		nodes:    make(map[string]node[S], len(b.nodes)),
		edges:    make(map[string][]string, len(b.edges)),
		conds:    make(map[string]conditional[S], len(b.conds)),
		preds:    make(map[string]int, len(preds)),
		maxSteps: o.maxSteps,
		observer: o.observer,
	}
	for name, n := range b.nodes {
		g.nodes[name] = n
	}
	for from, targets := range b.edges {
		g.edges[from] = append([]string(nil), targets...)
	}
	for from, cond := range b.conds {
		g.conds[from] = cond
	}
	for to, set := range preds {
		g.preds[to] = len(set)
	}
	return g, nil
}

// Graph is a compiled, immutable pipeline. It is safe for concurrent Invoke calls.
type Graph[S any] struct {
	name     string
	nodes    map[string]node[S]
	edges    map[string][]string
	conds    map[string]conditional[S]
	preds    map[string]int
	maxSteps int
	observer Observer
}

type Step struct {
	Node     string
	Duration time.Duration
	Err      error
}

type Result[S any] struct {
	State S
	Trace []Step
}

func (g *Graph[S]) Name() string {
	return g.name
}

func (g *Graph[S]) Invoke(ctx context.Context, initial S) (S, error) {
	res, err := g.Run(ctx, initial)
	return res.State, err
}

type outcome[S any] struct {
	node    string
	update  Update[S]
	err     error
	elapsed time.Duration
}

// Run executes the graph and returns the final state with the execution trace.
// On failure the returned state is the last state before the failing node.
func (g *Graph[S]) Run(ctx context.Context, initial S) (Result[S], error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		state   = initial
		trace   []Step
		ready   []string
		running int
		steps   int
		failure error
		results = make(chan outcome[S])
		arrived = make(map[string]map[string]struct{})
	)

	enable := func(from, to string) {
		if to == End {
			return
		}
		if !g.nodes[to].deferred {
			ready = append(ready, to)
			return
		}
		seen := arrived[to]
		if seen == nil {
			seen = make(map[string]struct{})
			arrived[to] = seen
		}
		seen[from] = struct{}{}
		if len(seen) == g.preds[to] {
			delete(arrived, to)
			ready = append(ready, to)
		}
	}
	advance := func(from string) error {
		if cond, ok := g.conds[from]; ok {
			label := cond.selector(state)
			to, ok := cond.routes[label]
			if !ok {
				return fmt.Errorf("%w %q", ErrUnknownRoute, label)
			}
			enable(from, to)
			return nil
		}
		for _, to := range g.edges[from] {
			enable(from, to)
		}
		return nil
	}
	fail := func(nodeName string, err error) {
		failure = &NodeError[S]{Graph: g.name, Node: nodeName, State: state, Err: err}
	}

	if err := advance(Start); err != nil {
		fail(Start, err)
	}
	for failure == nil {
		for _, name := range ready {
			steps++
			if steps > g.maxSteps {
				fail(name, ErrStepLimit)
				break
			}
			running++
			go g.exec(runCtx, name, state, results)
		}
		ready = ready[:0]
		if failure != nil || running == 0 {
			break
		}

		out := <-results
		running--
		trace = append(trace, Step{Node: out.node, Duration: out.elapsed, Err: out.err})
		if out.err != nil {
			fail(out.node, out.err)
			break
		}
		if out.update != nil {
			out.update(&state)
		}
		if err := advance(out.node); err != nil {
			fail(out.node, err)
		}
	}

	if failure != nil {
		cancel()
		for running > 0 {
			<-results
			running--
		}
		return Result[S]{State: state, Trace: trace}, failure
	}
	return Result[S]{State: state, Trace: trace}, nil
}

func (g *Graph[S]) exec(ctx context.Context, name string, snapshot S, results chan<- outcome[S]) {
	start := time.Now()
	out := outcome[S]{node: name}
	func() {
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("panic: %v", r)
			}
		}()
		out.update, out.err = g.nodes[name].fn(ctx, snapshot)
	}()
	out.elapsed = time.Since(start)
	if g.observer != nil {
		g.observer.NodeFinished(g.name, name, out.elapsed, out.err)
	}
	results <- out
}

// NodeError reports the node that failed and the last good state.
type NodeError[S any] struct {
	Graph string
	Node  string
	State S
	Err   error
}

func (e *NodeError[S]) Error() string {
	return fmt.Sprintf("graph %s: node %s: %v", e.Graph, e.Node, e.Err)
}

func (e *NodeError[S]) Unwrap() error {
	return e.Err
}

func (e *NodeError[S]) FailedNode() string {
	return e.Node
}

// FailedNode extracts the failing node name from any NodeError in err's chain.
func FailedNode(err error) (string, bool) {
	var target interface{ FailedNode() string }
	if errors.As(err, &target) {
		return target.FailedNode(), true
	}
	return "", false
}
