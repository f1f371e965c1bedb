// Package chat answers a conversational turn. Intent classification, entity
// tagging and history loading run in parallel and join before the question is
// routed either through text-to-SQL and the warehouse or to an open-world
// answer. The exchange is appended to the thread exactly once.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/warehouse"
)

const Name = "chat"

const (
	NodeClassify   = "ClassifyIntent"
	NodeHistory    = "LoadHistory"
	NodeNER        = "NERTagging"
	NodeNERProcess = "NERTagProcess"
	NodeJoin       = "Join"
	NodeText2SQL   = "Text2SQL"
	NodeQueryData  = "QuerySFData"
	NodeKFSummary  = "KFSummary"
	NodeOpenWorld  = "OpenWorld"
	NodeFinal      = "FinalResponse"
)

const (
	routeCacheHit  = "hit"
	routeCacheMiss = "miss"
)

// Executor runs SQL against the tenant's warehouse and fetches a bounded
// result set.
type Executor interface {
	Execute(ctx context.Context, t tenant.Tenant, sql string) (warehouse.Result, error)
}

type Deps struct {
	LLM       llm.Completer
	Prompts   prompts.Renderer
	Text2SQL  *text2sql.Pipeline
	Cache     cache.Store
	Threads   metadata.ThreadStore
	Warehouse Executor
	Observer  graph.Observer
	Logger    *slog.Logger
	Config    pipeline.Config
	// NewThreadID mints ids for requests without one; defaults to UUIDv4.
	NewThreadID func() string
}

type Pipeline struct {
	deps  Deps
	graph *graph.Graph[State]
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Text2SQL == nil {
		return nil, fmt.Errorf("chat pipeline requires a text2sql pipeline")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewThreadID == nil {
		deps.NewThreadID = uuid.NewString
	}
	deps.Config = deps.Config.WithDefaults()
	p := &Pipeline{deps: deps}

	opts := []graph.Option{graph.WithMaxSteps(deps.Config.MaxSteps)}
	if deps.Observer != nil {
		opts = append(opts, graph.WithObserver(deps.Observer))
	}
	g, err := graph.New[State](Name).
		AddNode(NodeClassify, p.classify).
		AddNode(NodeHistory, p.loadHistory).
		AddNode(NodeNER, p.tagEntities).
		AddNode(NodeNERProcess, p.markEntities).
		AddNode(NodeJoin, p.join, graph.Deferred()).
		AddNode(NodeText2SQL, p.runText2SQL).
		AddNode(NodeQueryData, p.queryData).
		AddNode(NodeKFSummary, p.summarise).
		AddNode(NodeOpenWorld, p.openWorld).
		AddNode(NodeFinal, p.finalResponse).
		AddEdge(graph.Start, NodeClassify).
		AddEdge(graph.Start, NodeHistory).
		AddEdge(graph.Start, NodeNER).
		AddEdge(NodeNER, NodeNERProcess).
		AddEdge(NodeClassify, NodeJoin).
		AddEdge(NodeHistory, NodeJoin).
		AddEdge(NodeNERProcess, NodeJoin).
		AddConditionalEdge(NodeJoin, intentRoute, map[string]string{
			llm.RouteText2SQL:       NodeText2SQL,
			llm.RouteGeneralPurpose: NodeOpenWorld,
		}).
		AddConditionalEdge(NodeText2SQL, cacheRoute, map[string]string{
			routeCacheHit:  NodeFinal,
			routeCacheMiss: NodeQueryData,
		}).
		AddEdge(NodeQueryData, NodeKFSummary).
		AddEdge(NodeKFSummary, NodeFinal).
		AddEdge(NodeOpenWorld, NodeFinal).
		AddEdge(NodeFinal, graph.End).
		Compile(opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", Name, err)
	}
	p.graph = g
	return p, nil
}

func NewState(req pipeline.Request, t tenant.Tenant) State {
	currency, language := req.Locale(t)
	return State{
		Query:     req.Query,
		Tenant:    t,
		Category:  req.Category,
		ThreadID:  req.ThreadID,
		SessionID: req.SessionID,
		Currency:  currency,
		Language:  language,
	}
}

func (p *Pipeline) Run(ctx context.Context, req pipeline.Request, t tenant.Tenant) (Reply, error) {
	final, err := p.graph.Invoke(ctx, NewState(req, t))
	if err != nil {
		return Reply{}, err
	}
	return final.Reply.Must("reply")
}

func (p *Pipeline) Trace(ctx context.Context, req pipeline.Request, t tenant.Tenant) (graph.Result[State], error) {
	return p.graph.Run(ctx, NewState(req, t))
}

func intentRoute(s State) string {
	return s.Route.Or("")
}

func cacheRoute(s State) string {
	if s.CacheHit() {
		return routeCacheHit
	}
	return routeCacheMiss
}
