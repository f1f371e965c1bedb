// Package recommend suggests follow-up questions from a tenant's stored SQL
// samples and picks chart types for a tabular result.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

const (
	SuggestionsName = "recommendation"
	ChartName       = "chart_recommendation"

	NodeLoadSamples = "LoadSamples"
	NodeSuggest     = "Suggest"
	NodeChart       = "RecommendChart"

	MaxSuggestions = 5
)

type SuggestionRequest struct {
	TenantID          string   `json:"tenant_id" validate:"required"`
	SessionID         string   `json:"session_id"`
	Category          string   `json:"category"`
	Currency          string   `json:"preferred_currency,omitempty"`
	Language          string   `json:"language,omitempty"`
	PreviousQuestions []string `json:"previous_questions"`
}

type ChartRequest struct {
	TenantID string   `json:"tenant_id" validate:"required"`
	Question string   `json:"user_question" validate:"required"`
	Columns  []string `json:"columns" validate:"required,min=1"`
	Data     [][]any  `json:"data"`
	Category string   `json:"category"`
	Currency string   `json:"preferred_currency,omitempty"`
	Language string   `json:"language,omitempty"`
}

type Suggestions struct {
	Questions []string `json:"questions"`
}

type Charts struct {
	Charts []llm.ChartSpec `json:"charts"`
}

type suggestState struct {
	Request   SuggestionRequest
	Tenant    tenant.Tenant
	Samples   graph.Field[[]vectorstore.Sample]
	Questions graph.Field[[]string]
}

type chartState struct {
	Request ChartRequest
	Tenant  tenant.Tenant
	Charts  graph.Field[[]llm.ChartSpec]
}

type Deps struct {
	LLM      llm.Completer
	Prompts  prompts.Renderer
	Samples  vectorstore.Scroller
	Observer graph.Observer
	Logger   *slog.Logger
	Config   pipeline.Config
}

type Pipeline struct {
	deps    Deps
	suggest *graph.Graph[suggestState]
	chart   *graph.Graph[chartState]
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Config = deps.Config.WithDefaults()
	p := &Pipeline{deps: deps}

	var opts []graph.Option
	if deps.Observer != nil {
		opts = append(opts, graph.WithObserver(deps.Observer))
	}
	suggest, err := graph.New[suggestState](SuggestionsName).
		AddNode(NodeLoadSamples, p.loadSamples).
		AddNode(NodeSuggest, p.suggestQuestions).
		AddEdge(graph.Start, NodeLoadSamples).
		AddEdge(NodeLoadSamples, NodeSuggest).
		AddEdge(NodeSuggest, graph.End).
		Compile(opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", SuggestionsName, err)
	}
	chart, err := graph.New[chartState](ChartName).
		AddNode(NodeChart, p.recommendChart).
		AddEdge(graph.Start, NodeChart).
		AddEdge(NodeChart, graph.End).
		Compile(opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", ChartName, err)
	}
	p.suggest, p.chart = suggest, chart
	return p, nil
}

func (p *Pipeline) Suggest(ctx context.Context, req SuggestionRequest, t tenant.Tenant) (Suggestions, error) {
	final, err := p.suggest.Invoke(ctx, suggestState{Request: req, Tenant: t})
	if err != nil {
		return Suggestions{}, err
	}
	questions, err := final.Questions.Must("questions")
	if err != nil {
		return Suggestions{}, err
	}
	return Suggestions{Questions: questions}, nil
}

func (p *Pipeline) Chart(ctx context.Context, req ChartRequest, t tenant.Tenant) (Charts, error) {
	final, err := p.chart.Invoke(ctx, chartState{Request: req, Tenant: t})
	if err != nil {
		return Charts{}, err
	}
	charts, err := final.Charts.Must("charts")
	if err != nil {
		return Charts{}, err
	}
	return Charts{Charts: charts}, nil
}

func (p *Pipeline) loadSamples(ctx context.Context, s suggestState) (graph.Update[suggestState], error) {
	samples, err := p.deps.Samples.Scroll(ctx, p.deps.Config.Collection, s.Tenant.ID, p.deps.Config.SuggestSamples)
	if err != nil {
		return nil, apperr.FromCall("vectorstore", err)
	}
	return func(st *suggestState) { st.Samples.Set(samples) }, nil
}

func (p *Pipeline) suggestQuestions(ctx context.Context, s suggestState) (graph.Update[suggestState], error) {
	samples := s.Samples.Or(nil)
	lines := make([]string, 0, len(samples))
	for _, sample := range samples {
		lines = append(lines, "- "+sample.Question)
	}
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Suggest, llm.UseCaseSuggest, llm.Recommend, map[string]any{
		"category": s.Request.Category,
		"samples":  orNone(lines),
		"previous": orNone(s.Request.PreviousQuestions),
	})
	if err != nil {
		return nil, err
	}
	questions := dedupe(out.Questions, s.Request.PreviousQuestions, MaxSuggestions)
	return func(st *suggestState) { st.Questions.Set(questions) }, nil
}

func (p *Pipeline) recommendChart(ctx context.Context, s chartState) (graph.Update[chartState], error) {
	rows := s.Request.Data
	if len(rows) > warehouse.MaxRows {
		rows = rows[:warehouse.MaxRows]
	}
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Chart, llm.UseCaseChart, llm.ChartRec, map[string]any{
		"question": s.Request.Question,
		"columns":  strings.Join(s.Request.Columns, ", "),
		"rows":     formatRows(rows),
	})
	if err != nil {
		return nil, err
	}
	charts := knownColumns(out.Charts, s.Request.Columns)
	if dropped := len(out.Charts) - len(charts); dropped > 0 {
		p.deps.Logger.DebugContext(ctx, "dropped charts with unknown columns", slog.Int("dropped", dropped))
	}
	return func(st *chartState) { st.Charts.Set(charts) }, nil
}

// dedupe drops blanks, repeats and anything already asked, keeping at most limit.
func dedupe(candidates, previous []string, limit int) []string {
	seen := make(map[string]bool, len(previous)+len(candidates))
	for _, q := range previous {
		seen[normalize(q)] = true
	}
	out := make([]string, 0, limit)
	for _, q := range candidates {
		key := normalize(q)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(q))
		if len(out) == limit {
			break
		}
	}
	return out
}

func normalize(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func knownColumns(charts []llm.ChartSpec, columns []string) []llm.ChartSpec {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	out := make([]llm.ChartSpec, 0, len(charts))
	for _, c := range charts {
		if (c.X != "" && !known[c.X]) || (c.Y != "" && !known[c.Y]) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func formatRows(rows [][]any) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		lines = append(lines, strings.Join(cells, " | "))
	}
	return orNone(lines)
}

func orNone(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}
