package text2sql

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/llm/llmtest"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

type scriptedValidator struct {
	mu       sync.Mutex
	verdicts []warehouse.Verdict
	seen     []string
}

func (v *scriptedValidator) Validate(_ context.Context, _ tenant.Tenant, sql string) warehouse.Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, sql)
	out := v.verdicts[0]
	if len(v.verdicts) > 1 {
		v.verdicts = v.verdicts[1:]
	}
	return out
}

func (v *scriptedValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

func valid() warehouse.Verdict { return warehouse.Verdict{Kind: warehouse.Valid} }

func invalid(msg string) warehouse.Verdict {
	return warehouse.Verdict{Kind: warehouse.Invalid, Errors: []string{msg}}
}

type fixture struct {
	llm       *llmtest.Fake
	cache     *cache.MemoryStore
	vectors   *vectorstore.Memory
	meta      *metadata.MemoryStore
	validator *scriptedValidator
	tenant    tenant.Tenant
	pipeline  *Pipeline
}

func newFixture(t *testing.T, verdicts ...warehouse.Verdict) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, pipeline.Config{}, verdicts...)
}

func newFixtureWithConfig(t *testing.T, cfg pipeline.Config, verdicts ...warehouse.Verdict) *fixture {
	t.Helper()
	lib, err := prompts.Load(context.Background(), prompts.EmbeddedSource())
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}
	store, err := cache.NewMemoryStore(128)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	if len(verdicts) == 0 {
		verdicts = []warehouse.Verdict{valid()}
	}

	f := &fixture{
		llm:       llmtest.New().WithEmbedding([]float32{1, 0, 0, 0}),
		cache:     store,
		vectors:   vectorstore.NewMemory(4),
		meta:      metadata.NewMemoryStore(),
		validator: &scriptedValidator{verdicts: verdicts},
		tenant:    tenant.Tenant{ID: "tenantA", Currency: "EUR", Language: "en", Warehouse: tenant.Warehouse{Database: "A"}},
	}
	f.meta.PutSchema("tenantA", "spend", "SPEND(amt NUMBER, vendor TEXT)")

	f.pipeline, err = New(Deps{
		LLM:       f.llm,
		Prompts:   lib,
		Cache:     store,
		Vectors:   f.vectors,
		Schemas:   f.meta,
		Validator: f.validator,
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func (f *fixture) request(query string) pipeline.Request {
	return pipeline.Request{TenantID: f.tenant.ID, Query: query, Category: "spend", SessionID: "s1"}
}

func (f *fixture) seedSamples(t *testing.T, questions ...string) {
	t.Helper()
	for i, q := range questions {
		_, err := f.vectors.Upsert(context.Background(), "SqlSample", vectorstore.Sample{
			Question: q,
			SQL:      "SELECT " + q,
			TenantID: f.tenant.ID,
		}, []float32{1, float32(i), 0, 0})
		if err != nil {
			t.Fatalf("Upsert(%q) error = %v", q, err)
		}
	}
}

func (f *fixture) cachedEntry(t *testing.T, fixed string) (CacheEntry, bool) {
	t.Helper()
	raw, ok, err := f.cache.Get(context.Background(), cache.Fingerprint(f.tenant.ID, "spend", fixed))
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if !ok {
		return CacheEntry{}, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("decode cache entry: %v", err)
	}
	return entry, true
}

func TestCacheHitMakesNoLLMOrWarehouseCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := json.Marshal(CacheEntry{SQL: "SELECT 1", FixedQuery: "tail spend vendors"})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if err := f.cache.Put(ctx, cache.Fingerprint("tenantA", "spend", "tail spend vendors"), raw, 0); err != nil {
		t.Fatalf("Put(entry) error = %v", err)
	}
	if err := f.cache.Put(ctx, StabiliseKey("tenantA", "spend", "how much is my tail spend"), []byte("tail spend vendors"), 0); err != nil {
		t.Fatalf("Put(memo) error = %v", err)
	}

	resp, err := f.pipeline.Run(ctx, f.request("how much is my tail spend"), f.tenant)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.SQL != "SELECT 1" {
		t.Fatalf("sql = %q, want SELECT 1", resp.SQL)
	}
	if resp.Cache == nil || resp.Cache.FixedQuery != "tail spend vendors" {
		t.Fatalf("cache = %+v", resp.Cache)
	}
	if f.llm.Total() != 0 || f.validator.Calls() != 0 || f.vectors.Searches() != 0 {
		t.Fatalf("calls: llm=%d validator=%d searches=%d, want none", f.llm.Total(), f.validator.Calls(), f.vectors.Searches())
	}
}

func TestCacheMissValidSQLIsCached(t *testing.T) {
	f := newFixture(t, valid())
	f.seedSamples(t, "spend by vendor", "top suppliers")
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseRerank, llm.RerankOutput{Response: []llm.RerankItem{{Question: "top suppliers", Sample: 1, Confidence: 0.9}}}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "```sql\nSELECT SUM(amt) FROM SPEND\n```"})

	result, err := f.pipeline.Trace(context.Background(), f.request("how much is my tail spend"), f.tenant)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	resp := mustResponse(t, result.State)
	if resp.SQL != "SELECT SUM(amt) FROM SPEND" || resp.FixedQuery != "tail spend" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Cache != nil || resp.Unvalidated {
		t.Fatalf("fresh run reported cache=%v unvalidated=%v", resp.Cache, resp.Unvalidated)
	}
	if got := len(result.State.Reranked.Or(nil)); got != 1 {
		t.Fatalf("reranked = %d examples, want 1", got)
	}

	entry, ok := f.cachedEntry(t, "tail spend")
	if !ok {
		t.Fatal("no cache entry under the run's fingerprint")
	}
	if entry.SQL != "SELECT SUM(amt) FROM SPEND" || entry.Result != nil {
		t.Fatalf("cache entry = %+v", entry)
	}

	calls := f.llm.Total()
	again, err := f.pipeline.Run(context.Background(), f.request("how much is my tail spend"), f.tenant)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if again.Cache == nil {
		t.Fatal("second run missed the cache")
	}
	if f.llm.Total() != calls {
		t.Fatalf("second run made %d llm calls", f.llm.Total()-calls)
	}
	if f.validator.Calls() != 1 {
		t.Fatalf("validator calls = %d, want 1", f.validator.Calls())
	}
}

func TestCorrectionLoopConverges(t *testing.T) {
	f := newFixture(t, invalid("invalid identifier AMT"), valid())
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT SUM(amt) FROM SPND"}).
		Respond(llm.UseCaseCorrect, llm.CorrectOutput{CorrectedSQL: "SELECT SUM(amt) FROM SPEND"})

	result, err := f.pipeline.Trace(context.Background(), f.request("tail spend?"), f.tenant)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	resp := mustResponse(t, result.State)
	if got := f.llm.Calls(llm.UseCaseCorrect); got != 1 {
		t.Fatalf("correct calls = %d, want 1", got)
	}
	if result.State.Depth != 1 || resp.RecursionDepth != 1 {
		t.Fatalf("depth = %d, recursion_depth = %d, want 1", result.State.Depth, resp.RecursionDepth)
	}
	if resp.SQL != "SELECT SUM(amt) FROM SPEND" || resp.Unvalidated {
		t.Fatalf("response = %+v", resp)
	}

	call, ok := f.llm.LastCall(llm.UseCaseCorrect)
	if !ok {
		t.Fatal("no correction call recorded")
	}
	if content := call.Messages[len(call.Messages)-1].Content; !strings.Contains(content, "invalid identifier AMT") {
		t.Fatalf("correction prompt lacks validator error: %q", content)
	}
}

func TestCorrectionLoopExhausts(t *testing.T) {
	f := newFixture(t, invalid("still wrong"))
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"}).
		Respond(llm.UseCaseCorrect, llm.CorrectOutput{CorrectedSQL: "SELECT 2"})

	result, err := f.pipeline.Trace(context.Background(), f.request("tail spend?"), f.tenant)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	resp := mustResponse(t, result.State)
	if got := f.llm.Calls(llm.UseCaseCorrect); got != 3 {
		t.Fatalf("correct calls = %d, want 3", got)
	}
	if got := f.validator.Calls(); got != 4 {
		t.Fatalf("validator calls = %d, want 4", got)
	}
	if !resp.Unvalidated || resp.RecursionDepth != 3 || resp.SQL != "SELECT 2" {
		t.Fatalf("response = %+v", resp)
	}
	if want := "correction depth 3 exhausted: still wrong"; resp.Warning != want {
		t.Fatalf("warning = %q, want %q", resp.Warning, want)
	}

	validations := 0
	for _, step := range result.Trace {
		if step.Node == NodeValidate {
			validations++
		}
	}
	if validations != 4 {
		t.Fatalf("trace has %d validations, want 4", validations)
	}
	if _, cached := f.cachedEntry(t, "tail spend"); cached {
		t.Fatal("unvalidated sql was cached")
	}
}

func TestDeepCorrectionBudgetReturnsUnvalidatedSQL(t *testing.T) {
	f := newFixtureWithConfig(t, pipeline.Config{MaxDepth: 30}, invalid("still wrong"))
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"}).
		Respond(llm.UseCaseCorrect, llm.CorrectOutput{CorrectedSQL: "SELECT 2"})

	resp, err := f.pipeline.Run(context.Background(), f.request("tail spend?"), f.tenant)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !resp.Unvalidated || resp.RecursionDepth != 30 {
		t.Fatalf("response = %+v, want unvalidated at depth 30", resp)
	}
	if got := f.validator.Calls(); got != 31 {
		t.Fatalf("validator calls = %d, want 31", got)
	}
}

func TestValidatorErrorReturnsUnvalidatedDraft(t *testing.T) {
	f := newFixture(t, warehouse.Verdict{Kind: warehouse.Failed, Errors: []string{"390100: incorrect username or password"}})
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"})

	resp, err := f.pipeline.Run(context.Background(), f.request("tail spend?"), f.tenant)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !resp.Unvalidated || resp.SQL != "SELECT 1" {
		t.Fatalf("response = %+v", resp)
	}
	if got := f.llm.Calls(llm.UseCaseCorrect); got != 0 {
		t.Fatalf("correct calls = %d, want 0", got)
	}
	if _, cached := f.cachedEntry(t, "tail spend"); cached {
		t.Fatal("unvalidated sql was cached")
	}
}

func TestStabilisationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend vendors"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"})

	first, err := f.pipeline.Run(context.Background(), f.request("how much is my tail spend"), f.tenant)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := f.pipeline.Run(context.Background(), f.request(first.FixedQuery), f.tenant)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if first.FixedQuery != second.FixedQuery {
		t.Fatalf("fixed query drifted: %q -> %q", first.FixedQuery, second.FixedQuery)
	}
	if got := f.llm.Calls(llm.UseCaseStabilise); got != 1 {
		t.Fatalf("stabilise calls = %d, want 1", got)
	}
}

func TestFailedRunLeavesNoStabiliseMemo(t *testing.T) {
	f := newFixture(t)
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend vendors"}).
		Fail(llm.UseCaseGenerate, errors.New("connection reset"))

	if _, err := f.pipeline.Run(context.Background(), f.request("how much is my tail spend"), f.tenant); err == nil {
		t.Fatal("Run() expected error")
	}
	for _, query := range []string{"how much is my tail spend", "tail spend vendors"} {
		if _, ok, _ := f.cache.Get(context.Background(), StabiliseKey("tenantA", "spend", query)); ok {
			t.Fatalf("memo for %q written by a failed run", query)
		}
	}
	if _, cached := f.cachedEntry(t, "tail spend vendors"); cached {
		t.Fatal("failed run wrote a cache entry")
	}
}

func TestEmptyRetrievalSkipsRerank(t *testing.T) {
	f := newFixture(t)
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"})

	if _, err := f.pipeline.Run(context.Background(), f.request("tail spend?"), f.tenant); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.llm.Calls(llm.UseCaseRerank); got != 0 {
		t.Fatalf("rerank calls = %d, want 0", got)
	}
	call, ok := f.llm.LastCall(llm.UseCaseGenerate)
	if !ok {
		t.Fatal("no generate call recorded")
	}
	if !strings.Contains(call.Messages[0].Content, "SPEND(amt NUMBER, vendor TEXT)") {
		t.Fatalf("generate prompt lacks schema: %q", call.Messages[0].Content)
	}
}

func TestStageFailureSurfacesNodeName(t *testing.T) {
	f := newFixture(t)
	f.llm.Fail(llm.UseCaseStabilise, errors.New("connection reset"))

	_, err := f.pipeline.Run(context.Background(), f.request("tail spend?"), f.tenant)
	if err == nil {
		t.Fatal("Run() expected error")
	}
	node, ok := graph.FailedNode(err)
	if !ok || node != NodeStabilise {
		t.Fatalf("FailedNode() = %q, %v", node, ok)
	}
	if kind := apperr.KindOf(err); kind != apperr.KindUpstream {
		t.Fatalf("KindOf() = %s, want %s", kind, apperr.KindUpstream)
	}
}

func TestWriteCacheDisabledLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	f.llm.Respond(llm.UseCaseStabilise, llm.StabiliseOutput{FixedQuery: "tail spend"}).
		Respond(llm.UseCaseGenerate, llm.GenerateOutput{GeneratedSQL: "SELECT 1"})

	state := NewState(f.request("tail spend?"), f.tenant)
	state.WriteCache = false
	final, err := f.pipeline.Invoke(context.Background(), state)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := final.FinalSQL.Or(""); got != "SELECT 1" {
		t.Fatalf("final sql = %q", got)
	}
	if _, cached := f.cachedEntry(t, "tail spend"); cached {
		t.Fatal("cache entry written with WriteCache disabled")
	}
	memo, ok := final.Memo.Get()
	if !ok || memo != (Memo{Query: "tail spend?", Fixed: "tail spend"}) {
		t.Fatalf("memo = %+v, %v", memo, ok)
	}
	if _, ok, _ := f.cache.Get(context.Background(), StabiliseKey("tenantA", "spend", "tail spend?")); ok {
		t.Fatal("memo committed with WriteCache disabled")
	}
}

func TestSelectExamplesOrdersByConfidenceThenRetrieval(t *testing.T) {
	hits := []vectorstore.Hit{
		{Sample: vectorstore.Sample{Question: "q0"}},
		{Sample: vectorstore.Sample{Question: "q1"}},
		{Sample: vectorstore.Sample{Question: "q2"}},
		{Sample: vectorstore.Sample{Question: "q3"}},
	}
	items := []llm.RerankItem{
		{Sample: 3, Confidence: 0.8},
		{Sample: 1, Confidence: 0.8},
		{Sample: 7, Confidence: 1},
		{Sample: 1, Confidence: 0.1},
		{Sample: 2, Confidence: 0.95},
		{Sample: 0, Confidence: 0.2},
	}
	got := selectExamples(hits, items, 3)
	questions := make([]string, 0, len(got))
	for _, ex := range got {
		questions = append(questions, ex.Question)
	}
	if want := []string{"q2", "q1", "q3"}; !reflect.DeepEqual(questions, want) {
		t.Fatalf("selectExamples() = %v, want %v", questions, want)
	}
}

func mustResponse(t *testing.T, s State) Response {
	t.Helper()
	resp, err := s.Response.Must("response")
	if err != nil {
		t.Fatalf("Response.Must() error = %v", err)
	}
	return resp
}
