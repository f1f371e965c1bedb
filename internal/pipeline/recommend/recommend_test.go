package recommend

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/llm/llmtest"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
)

func newPipeline(t *testing.T, fake *llmtest.Fake, samples vectorstore.Scroller) *Pipeline {
	t.Helper()
	lib, err := prompts.Load(context.Background(), prompts.EmbeddedSource())
	if err != nil {
		t.Fatalf("prompts.Load() error = %v", err)
	}
	p, err := New(Deps{LLM: fake, Prompts: lib, Samples: samples})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

var acme = tenant.Tenant{ID: "acme", Currency: "EUR", Language: "en", Warehouse: tenant.Warehouse{Database: "ACME"}}

func TestSuggestUsesTenantSamplesAndDedupes(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemory(1)
	for i := 0; i < 30; i++ {
		if _, err := store.Upsert(ctx, "SqlSample", vectorstore.Sample{Question: fmt.Sprintf("acme q%d", i), TenantID: "acme"}, []float32{1}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if _, err := store.Upsert(ctx, "SqlSample", vectorstore.Sample{Question: "globex secret", TenantID: "globex"}, []float32{1}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	fake := llmtest.New().Respond(llm.UseCaseSuggest, llm.SuggestionsOutput{Questions: []string{
		"Top vendors by spend", "top  vendors by SPEND", "What was spend last month?", "", "Spend by region",
		"Spend by category", "Invoices overdue", "Savings potential",
	}})
	p := newPipeline(t, fake, store)

	out, err := p.Suggest(ctx, SuggestionRequest{TenantID: "acme", Category: "spend", PreviousQuestions: []string{"What was spend last month?"}}, acme)
	if err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	want := []string{"Top vendors by spend", "Spend by region", "Spend by category", "Invoices overdue", "Savings potential"}
	if !reflect.DeepEqual(out.Questions, want) {
		t.Fatalf("questions = %q, want %q", out.Questions, want)
	}

	call, ok := fake.LastCall(llm.UseCaseSuggest)
	if !ok {
		t.Fatal("no suggest call recorded")
	}
	prompt := call.Messages[len(call.Messages)-1].Content
	if got := strings.Count(prompt, "- acme q"); got != 20 {
		t.Fatalf("prompt carries %d samples, want 20", got)
	}
	if strings.Contains(prompt, "globex") {
		t.Fatal("prompt leaked another tenant's sample")
	}
}

func TestChartTruncatesRowsAndDropsUnknownColumns(t *testing.T) {
	fake := llmtest.New().Respond(llm.UseCaseChart, llm.ChartOutput{Charts: []llm.ChartSpec{
		{Type: "bar", X: "VENDOR", Y: "TOTAL", Title: "Spend by vendor"},
		{Type: "line", X: "MONTH", Y: "TOTAL"},
		{Type: "table"},
	}})
	p := newPipeline(t, fake, vectorstore.NewMemory(1))

	rows := make([][]any, 80)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("v%02d", i), i}
	}
	out, err := p.Chart(context.Background(), ChartRequest{
		TenantID: "acme",
		Question: "spend by vendor",
		Columns:  []string{"VENDOR", "TOTAL"},
		Data:     rows,
	}, acme)
	if err != nil {
		t.Fatalf("Chart() error = %v", err)
	}
	if len(out.Charts) != 2 || out.Charts[0].Type != "bar" || out.Charts[1].Type != "table" {
		t.Fatalf("charts = %+v, want bar and table", out.Charts)
	}

	call, ok := fake.LastCall(llm.UseCaseChart)
	if !ok {
		t.Fatal("no chart call recorded")
	}
	prompt := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(prompt, "v49 | 49") || strings.Contains(prompt, "v50 | 50") {
		t.Fatal("chart prompt was not truncated to 50 rows")
	}
}

func TestSuggestPropagatesLLMFailure(t *testing.T) {
	fake := llmtest.New().Fail(llm.UseCaseSuggest, fmt.Errorf("rate limited"))
	p := newPipeline(t, fake, vectorstore.NewMemory(1))
	_, err := p.Suggest(context.Background(), SuggestionRequest{TenantID: "acme"}, acme)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("Suggest() error = %v, want rate limited", err)
	}
}
