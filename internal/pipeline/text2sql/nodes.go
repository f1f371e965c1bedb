package text2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

const stabiliseKeyPrefix = "stabilise:"

// StabiliseKey is the cache key memoising the stabilised form of query.
func StabiliseKey(tenantID, category, query string) string {
	return stabiliseKeyPrefix + cache.Fingerprint(tenantID, category, query)
}

func (p *Pipeline) stabilise(ctx context.Context, s State) (graph.Update[State], error) {
	key := StabiliseKey(s.Tenant.ID, s.Category, s.Query)
	memo, ok, err := p.deps.Cache.Get(ctx, key)
	if err != nil {
		return nil, apperr.FromCall("cache", err)
	}
	if ok && len(memo) > 0 {
		fixed := string(memo)
		return func(st *State) { st.FixedQuery.Set(fixed) }, nil
	}

	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Stabilise, llm.UseCaseStabilise, llm.Stabilise, map[string]any{
		"question": s.Query,
		"category": s.Category,
		"currency": s.Currency,
		"language": s.Language,
	})
	if err != nil {
		return nil, err
	}
	fixed := strings.TrimSpace(out.FixedQuery)
	return func(st *State) {
		st.FixedQuery.Set(fixed)
		st.Memo.Set(Memo{Query: s.Query, Fixed: fixed})
	}, nil
}

// StoreMemo commits a stabilisation computed by a run. A canonical question
// maps to itself, so it is written under both forms.
func StoreMemo(ctx context.Context, store cache.Store, tenantID, category string, memo Memo, ttl time.Duration) error {
	for _, query := range []string{memo.Query, memo.Fixed} {
		if err := store.Put(ctx, StabiliseKey(tenantID, category, query), []byte(memo.Fixed), ttl); err != nil {
			return apperr.FromCall("cache", err)
		}
	}
	return nil
}

func (p *Pipeline) commitMemo(ctx context.Context, s State) error {
	memo, ok := s.Memo.Get()
	if !ok || !s.WriteCache {
		return nil
	}
	return StoreMemo(ctx, p.deps.Cache, s.Tenant.ID, s.Category, memo, p.deps.Config.CacheTTL)
}

func (p *Pipeline) checkCache(ctx context.Context, s State) (graph.Update[State], error) {
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}
	fp := cache.Fingerprint(s.Tenant.ID, s.Category, fixed)
	raw, ok, err := p.deps.Cache.Get(ctx, fp)
	if err != nil {
		return nil, apperr.FromCall("cache", err)
	}
	observability.ObserveCacheLookup(ok)
	if !ok {
		return func(st *State) { st.Fingerprint.Set(fp) }, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, apperr.Fatal("decode cache entry", err)
	}
	return func(st *State) {
		st.Fingerprint.Set(fp)
		st.Cached.Set(entry)
		st.Response.Set(Response{
			SQL:        entry.SQL,
			FixedQuery: entry.FixedQuery,
			Cache:      &entry,
		})
	}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, s State) (graph.Update[State], error) {
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}
	vec, err := p.deps.LLM.Embed(ctx, llm.EmbedCall{UseCase: llm.UseCaseEmbed, TenantID: s.Tenant.ID, Input: fixed})
	if err != nil {
		return nil, apperr.FromCall("llm", err)
	}
	hits, err := p.deps.Vectors.Search(ctx, p.deps.Config.Collection, s.Tenant.ID, vec, p.deps.Config.RetrievalK)
	if err != nil {
		return nil, apperr.FromCall("vectorstore", err)
	}
	return func(st *State) { st.Retrieved.Set(hits) }, nil
}

func (p *Pipeline) rerank(ctx context.Context, s State) (graph.Update[State], error) {
	hits := s.Retrieved.Or(nil)
	if len(hits) == 0 {
		return func(st *State) { st.Reranked.Set([]Example{}) }, nil
	}
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}

	var listing strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&listing, "%d. %s\n", i, h.Question)
	}
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Rerank, llm.UseCaseRerank, llm.Rerank, map[string]any{
		"question": fixed,
		"examples": listing.String(),
	})
	if err != nil {
		return nil, err
	}
	kept := selectExamples(hits, out.Response, p.deps.Config.RerankTopN)
	return func(st *State) { st.Reranked.Set(kept) }, nil
}

// selectExamples keeps the topN reranked hits by confidence, breaking ties by
// retrieval order. Out-of-range and repeated sample indexes are ignored.
func selectExamples(hits []vectorstore.Hit, items []llm.RerankItem, topN int) []Example {
	seen := make(map[int]bool, len(items))
	valid := make([]llm.RerankItem, 0, len(items))
	for _, item := range items {
		if item.Sample < 0 || item.Sample >= len(hits) || seen[item.Sample] {
			continue
		}
		seen[item.Sample] = true
		valid = append(valid, item)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Sample < valid[j].Sample })
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Confidence > valid[j].Confidence })
	if topN > 0 && len(valid) > topN {
		valid = valid[:topN]
	}

	out := make([]Example, 0, len(valid))
	for _, item := range valid {
		h := hits[item.Sample]
		out = append(out, Example{Question: h.Question, SQL: h.SQL, Confidence: item.Confidence})
	}
	return out
}

func (p *Pipeline) loadSchema(ctx context.Context, s State) (graph.Update[State], error) {
	schema, err := p.deps.Schemas.LatestSchema(ctx, s.Tenant.ID, s.Category)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		p.deps.Logger.WarnContext(ctx, "no schema fragment", slog.String("tenant_id", s.Tenant.ID), slog.String("category", s.Category))
		schema = ""
	case err != nil:
		return nil, apperr.FromCall("metadata", err)
	}
	categoryContext, err := p.deps.Schemas.CategoryPrompt(ctx, s.Tenant.ID, s.Category)
	if err != nil {
		return nil, apperr.FromCall("metadata", err)
	}
	return func(st *State) {
		st.Schema.Set(schema)
		st.CategoryContext.Set(categoryContext)
	}, nil
}

func (p *Pipeline) generate(ctx context.Context, s State) (graph.Update[State], error) {
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}
	schema, err := s.Schema.Must("schema")
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Generate, llm.UseCaseGenerate, llm.Generate, map[string]any{
		"question":         fixed,
		"currency":         s.Currency,
		"category_context": s.CategoryContext.Or(""),
		"schema":           schema,
		"examples":         formatExamples(s.Reranked.Or(nil)),
	})
	if err != nil {
		return nil, err
	}
	draft := llm.StripCodeFence(out.GeneratedSQL)
	return func(st *State) { st.Draft.Set(draft) }, nil
}

func formatExamples(examples []Example) string {
	if len(examples) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, ex := range examples {
		fmt.Fprintf(&b, "Question: %s\nSQL: %s\n\n", ex.Question, ex.SQL)
	}
	return strings.TrimSpace(b.String())
}

func (p *Pipeline) validate(ctx context.Context, s State) (graph.Update[State], error) {
	candidate, err := s.Candidate()
	if err != nil {
		return nil, err
	}
	verdict := p.deps.Validator.Validate(ctx, s.Tenant, candidate)
	p.deps.Logger.DebugContext(ctx, "sql validated",
		slog.String("tenant_id", s.Tenant.ID),
		slog.String("verdict", string(verdict.Kind)),
		slog.Int("depth", s.Depth),
	)
	return func(st *State) {
		st.Verdict.Set(verdict)
		if verdict.Kind == warehouse.Valid {
			st.FinalSQL.Set(candidate)
		}
	}, nil
}

func (p *Pipeline) correct(ctx context.Context, s State) (graph.Update[State], error) {
	candidate, err := s.Candidate()
	if err != nil {
		return nil, err
	}
	verdict, err := s.Verdict.Must("verdict")
	if err != nil {
		return nil, err
	}
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Ask(ctx, p.deps.LLM, p.deps.Prompts, s.Tenant, prompts.Correct, llm.UseCaseCorrect, llm.Correct, map[string]any{
		"schema":   s.Schema.Or(""),
		"question": fixed,
		"sql":      candidate,
		"errors":   strings.Join(verdict.Errors, "\n"),
	})
	if err != nil {
		return nil, err
	}
	observability.IncrementSQLCorrections()
	corrected := llm.StripCodeFence(out.CorrectedSQL)
	return func(st *State) {
		st.Depth++
		st.Corrected.Set(corrected)
	}, nil
}

func (p *Pipeline) respond(ctx context.Context, s State) (graph.Update[State], error) {
	if s.Hit() {
		return nil, p.commitMemo(ctx, s)
	}
	fixed, err := s.FixedQuery.Must("fixed_query")
	if err != nil {
		return nil, err
	}
	verdict, err := s.Verdict.Must("verdict")
	if err != nil {
		return nil, err
	}

	resp := Response{FixedQuery: fixed, RecursionDepth: s.Depth}
	if sql, ok := s.FinalSQL.Get(); ok {
		resp.SQL = sql
	} else {
		candidate, err := s.Candidate()
		if err != nil {
			return nil, err
		}
		resp.SQL = candidate
		resp.Unvalidated = true
		if verdict.Kind == warehouse.Invalid {
			resp.Warning = fmt.Sprintf("%s: %s", apperr.DepthExceeded(s.Depth), apperr.SQLInvalid(verdict.Errors))
		} else {
			resp.Warning = strings.Join(verdict.Errors, "; ")
		}
		p.deps.Logger.WarnContext(ctx, "returning unvalidated sql",
			slog.String("tenant_id", s.Tenant.ID),
			slog.String("verdict", string(verdict.Kind)),
			slog.Int("depth", s.Depth),
		)
	}

	if s.WriteCache && !resp.Unvalidated {
		fp, err := s.Fingerprint.Must("fingerprint")
		if err != nil {
			return nil, err
		}
		if err := StoreEntry(ctx, p.deps.Cache, fp, CacheEntry{SQL: resp.SQL, FixedQuery: fixed}, p.deps.Config.CacheTTL); err != nil {
			return nil, err
		}
	}
	if err := p.commitMemo(ctx, s); err != nil {
		return nil, err
	}
	return func(st *State) { st.Response.Set(resp) }, nil
}

// StoreEntry writes entry under fingerprint fp.
func StoreEntry(ctx context.Context, store cache.Store, fp string, entry CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperr.Fatal("encode cache entry", err)
	}
	if err := store.Put(ctx, fp, raw, ttl); err != nil {
		return apperr.FromCall("cache", err)
	}
	return nil
}
