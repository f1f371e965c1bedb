package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/warehouse"
)

func (p *Pipeline) classify(ctx context.Context, s State) (graph.Update[State], error) {
	// History loads in parallel, so classification sees the question alone.
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.ClassifyIntent, llm.UseCaseIntent, llm.ClassifyIntent, map[string]any{
		"history":  historyFallback,
		"question": s.Query,
	})
	if err != nil {
		return nil, err
	}
	return func(st *State) { st.Route.Set(out.Route) }, nil
}

func (p *Pipeline) loadHistory(ctx context.Context, s State) (graph.Update[State], error) {
	if s.ThreadID == "" {
		return func(st *State) {
			st.Transcript.Set(nil)
			st.History.Set(nil)
		}, nil
	}
	threads, err := p.deps.Threads.GetThreads(ctx, s.Tenant.ID, []string{s.ThreadID})
	if err != nil {
		return nil, apperr.FromCall("metadata", err)
	}

	var transcript []Turn
	if len(threads) > 0 && threads[0].Chat != "" {
		if err := json.Unmarshal([]byte(threads[0].Chat), &transcript); err != nil {
			p.deps.Logger.WarnContext(ctx, "thread transcript is not a turn list; starting fresh",
				slog.String("tenant_id", s.Tenant.ID),
				slog.String("thread_id", s.ThreadID),
				slog.Any("error", err),
			)
			transcript = nil
		}
	}
	history := transcript
	if n := p.deps.Config.HistoryTurns; len(history) > n {
		history = history[len(history)-n:]
	}
	return func(st *State) {
		st.Transcript.Set(transcript)
		st.History.Set(history)
	}, nil
}

func (p *Pipeline) tagEntities(ctx context.Context, s State) (graph.Update[State], error) {
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.NER, llm.UseCaseNER, llm.NER, map[string]any{
		"question": s.Query,
	})
	if err != nil {
		return nil, err
	}
	return func(st *State) { st.Entities.Set(out.Entities) }, nil
}

func (p *Pipeline) markEntities(_ context.Context, s State) (graph.Update[State], error) {
	tagged := TagEntities(s.Query, s.Entities.Or(nil))
	return func(st *State) { st.TaggedQuery.Set(tagged) }, nil
}

func (p *Pipeline) join(ctx context.Context, s State) (graph.Update[State], error) {
	p.deps.Logger.DebugContext(ctx, "chat branches joined",
		slog.String("tenant_id", s.Tenant.ID),
		slog.String("route", s.Route.Or("")),
		slog.Int("entities", len(s.Entities.Or(nil))),
		slog.Int("history_turns", len(s.History.Or(nil))),
	)
	return nil, nil
}

func (p *Pipeline) runText2SQL(ctx context.Context, s State) (graph.Update[State], error) {
	sub := text2sql.State{
		Query:    s.Input(),
		Tenant:   s.Tenant,
		Category: s.Category,
		Currency: s.Currency,
		Language: s.Language,
	}
	final, err := p.deps.Text2SQL.Invoke(ctx, sub)
	if err != nil {
		return nil, err
	}
	resp, err := final.Response.Must("text2sql response")
	if err != nil {
		return nil, err
	}
	fp := final.Fingerprint.Or("")
	memo, fresh := final.Memo.Get()
	return func(st *State) {
		st.SQL.Set(resp)
		st.Fingerprint.Set(fp)
		if fresh {
			st.Memo.Set(memo)
		}
	}, nil
}

func (p *Pipeline) queryData(ctx context.Context, s State) (graph.Update[State], error) {
	resp, err := s.SQL.Must("sql")
	if err != nil {
		return nil, err
	}
	rows, err := p.deps.Warehouse.Execute(ctx, s.Tenant, resp.SQL)
	if err != nil {
		return nil, err
	}
	return func(st *State) { st.Rows.Set(rows) }, nil
}

func (p *Pipeline) summarise(ctx context.Context, s State) (graph.Update[State], error) {
	rows, err := s.Rows.Must("rows")
	if err != nil {
		return nil, err
	}
	facts := KeyFacts(rows)
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.KFSummary, llm.UseCaseSummary, llm.Summary, map[string]any{
		"language":  s.Language,
		"currency":  s.Currency,
		"question":  s.Query,
		"key_facts": facts,
	})
	if err != nil {
		return nil, err
	}
	return func(st *State) {
		st.KeyFacts.Set(facts)
		st.Summary.Set(out.Response)
	}, nil
}

func (p *Pipeline) openWorld(ctx context.Context, s State) (graph.Update[State], error) {
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.OpenWorld, llm.UseCaseOpenWorld, llm.OpenWorld, map[string]any{
		"language": s.Language,
		"history":  formatHistory(s.History.Or(nil)),
		"question": s.Input(),
	})
	if err != nil {
		return nil, err
	}
	return func(st *State) { st.OpenWorld.Set(out.Response) }, nil
}

func (p *Pipeline) finalResponse(ctx context.Context, s State) (graph.Update[State], error) {
	route, err := s.Route.Must("route")
	if err != nil {
		return nil, err
	}
	reply := Reply{Route: route, ThreadID: s.ThreadID}
	if reply.ThreadID == "" {
		reply.ThreadID = p.deps.NewThreadID()
	}

	switch route {
	case llm.RouteText2SQL:
		if err := p.fillSQLReply(ctx, s, &reply); err != nil {
			return nil, err
		}
	default:
		answer, err := s.OpenWorld.Must("open_world")
		if err != nil {
			return nil, err
		}
		reply.Reply = answer
	}

	transcript := append(append([]Turn(nil), s.Transcript.Or(nil)...),
		Turn{Role: llm.RoleUser, Content: s.Query},
		Turn{Role: llm.RoleAssistant, Content: reply.Reply, SQL: reply.SQL},
	)
	raw, err := json.Marshal(transcript)
	if err != nil {
		return nil, apperr.Fatal("encode transcript", err)
	}
	if _, err := p.deps.Threads.SaveThread(ctx, metadata.Thread{
		TenantID: s.Tenant.ID,
		Category: s.Category,
		ThreadID: reply.ThreadID,
		Chat:     string(raw),
	}); err != nil {
		return nil, apperr.FromCall("metadata", err)
	}
	if memo, ok := s.Memo.Get(); ok {
		if err := text2sql.StoreMemo(ctx, p.deps.Cache, s.Tenant.ID, s.Category, memo, p.deps.Config.CacheTTL); err != nil {
			return nil, err
		}
	}
	return func(st *State) { st.Reply.Set(reply) }, nil
}

func (p *Pipeline) fillSQLReply(ctx context.Context, s State, reply *Reply) error {
	resp, err := s.SQL.Must("sql")
	if err != nil {
		return err
	}
	reply.SQL = resp.SQL
	reply.FixedQuery = resp.FixedQuery
	reply.Unvalidated = resp.Unvalidated

	if s.CacheHit() {
		reply.Cache = resp.Cache
		reply.Result = resp.Cache.Result
		reply.Count = len(resp.Cache.Result.Rows)
		reply.Reply = fmt.Sprintf("Returned %d rows from a cached result.", reply.Count)
		return nil
	}

	rows, err := s.Rows.Must("rows")
	if err != nil {
		return err
	}
	reply.Result = &rows
	reply.Count = len(rows.Rows)
	reply.Reply = s.Summary.Or("")
	if resp.Unvalidated {
		return nil
	}
	fp, err := s.Fingerprint.Must("fingerprint")
	if err != nil {
		return err
	}
	entry := text2sql.CacheEntry{SQL: resp.SQL, FixedQuery: resp.FixedQuery, Result: &rows}
	return text2sql.StoreEntry(ctx, p.deps.Cache, fp, entry, p.deps.Config.CacheTTL)
}

const historyFallback = "(no previous turns)"

func formatHistory(turns []Turn) string {
	if len(turns) == 0 {
		return historyFallback
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// KeyFacts renders a result set as a pipe-separated table.
func KeyFacts(r warehouse.Result) string {
	if len(r.Columns) == 0 {
		return "(no columns)"
	}
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, " | "))
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteByte('\n')
		b.WriteString(strings.Join(cells, " | "))
	}
	if len(r.Rows) == 0 {
		b.WriteString("\n(no rows)")
	}
	return b.String()
}
