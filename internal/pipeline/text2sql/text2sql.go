// Package text2sql turns a business question into validated SQL:
// stabilise, check the cache, retrieve and rerank few-shot examples, load the
// schema, generate, then validate with a bounded correction loop.
package text2sql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

const Name = "text2sql"

const (
	NodeStabilise = "QueryStabilisation"
	NodeCheck     = "CheckCache"
	NodeRetrieve  = "SQLRetriever"
	NodeRerank    = "QueryReranker"
	NodeSchema    = "DBSchemaRetriever"
	NodeGenerate  = "SQLGenerator"
	NodeValidate  = "SQLValidation"
	NodeCorrect   = "SQLCorrection"
	NodeResponse  = "Response"
)

const (
	routeHit       = "hit"
	routeMiss      = "miss"
	routeValid     = "valid"
	routeInvalid   = "invalid"
	routeError     = "error"
	routeExhausted = "exhausted"
)

type Validator interface {
	Validate(ctx context.Context, t tenant.Tenant, sql string) warehouse.Verdict
}

type Deps struct {
	LLM       llm.Completer
	Prompts   prompts.Renderer
	Cache     cache.Store
	Vectors   vectorstore.Searcher
	Schemas   metadata.SchemaStore
	Validator Validator
	Observer  graph.Observer
	Logger    *slog.Logger
	Config    pipeline.Config
}

type Pipeline struct {
	deps  Deps
	graph *graph.Graph[State]
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Config = deps.Config.WithDefaults()
	p := &Pipeline{deps: deps}

	opts := []graph.Option{graph.WithMaxSteps(max(deps.Config.MaxSteps, stepBudget(deps.Config.MaxDepth)))}
	if deps.Observer != nil {
		opts = append(opts, graph.WithObserver(deps.Observer))
	}
	g, err := graph.New[State](Name).
		AddNode(NodeStabilise, p.stabilise).
		AddNode(NodeCheck, p.checkCache).
		AddNode(NodeRetrieve, p.retrieve).
		AddNode(NodeRerank, p.rerank).
		AddNode(NodeSchema, p.loadSchema).
		AddNode(NodeGenerate, p.generate).
		AddNode(NodeValidate, p.validate).
		AddNode(NodeCorrect, p.correct).
		AddNode(NodeResponse, p.respond).
		AddEdge(graph.Start, NodeStabilise).
		AddEdge(NodeStabilise, NodeCheck).
		AddConditionalEdge(NodeCheck, cacheRoute, map[string]string{
			routeHit:  NodeResponse,
			routeMiss: NodeRetrieve,
		}).
		AddEdge(NodeRetrieve, NodeRerank).
		AddEdge(NodeRerank, NodeSchema).
		AddEdge(NodeSchema, NodeGenerate).
		AddEdge(NodeGenerate, NodeValidate).
		AddConditionalEdge(NodeValidate, p.verdictRoute, map[string]string{
			routeValid:     NodeResponse,
			routeInvalid:   NodeCorrect,
			routeError:     NodeResponse,
			routeExhausted: NodeResponse,
		}).
		AddEdge(NodeCorrect, NodeValidate).
		AddEdge(NodeResponse, graph.End).
		Compile(opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", Name, err)
	}
	p.graph = g
	return p, nil
}

// stepBudget is the node count of the longest run: eight nodes on the miss
// path plus one correction and one revalidation per allowed depth.
func stepBudget(maxDepth int) int {
	return 8 + 2*maxDepth
}

// NewState prepares the initial state for req against t.
func NewState(req pipeline.Request, t tenant.Tenant) State {
	currency, language := req.Locale(t)
	return State{
		Query:      req.Query,
		Tenant:     t,
		Category:   req.Category,
		Currency:   currency,
		Language:   language,
		WriteCache: true,
	}
}

// Invoke runs the graph from an explicit state. Enclosing pipelines use it
// with WriteCache disabled.
func (p *Pipeline) Invoke(ctx context.Context, state State) (State, error) {
	return p.graph.Invoke(ctx, state)
}

func (p *Pipeline) Run(ctx context.Context, req pipeline.Request, t tenant.Tenant) (Response, error) {
	final, err := p.graph.Invoke(ctx, NewState(req, t))
	if err != nil {
		return Response{}, err
	}
	return final.Response.Must("response")
}

// Trace runs the graph and returns the final state together with the node
// trace.
func (p *Pipeline) Trace(ctx context.Context, req pipeline.Request, t tenant.Tenant) (graph.Result[State], error) {
	return p.graph.Run(ctx, NewState(req, t))
}

func cacheRoute(s State) string {
	if s.Hit() {
		return routeHit
	}
	return routeMiss
}

func (p *Pipeline) verdictRoute(s State) string {
	verdict, _ := s.Verdict.Get()
	switch verdict.Kind {
	case warehouse.Valid:
		return routeValid
	case warehouse.Invalid:
		if s.Depth >= p.deps.Config.MaxDepth {
			return routeExhausted
		}
		return routeInvalid
	default:
		return routeError
	}
}
