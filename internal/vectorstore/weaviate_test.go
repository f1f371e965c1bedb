package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type graphqlRequest struct {
	Query string `json:"query"`
}

type fakeWeaviate struct {
	mu      sync.Mutex
	queries []string
	created []map[string]any
	pages   [][]map[string]any
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/graphql":
		var req graphqlRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.queries = append(f.queries, req.Query)
		page := []map[string]any{}
		if len(f.pages) > 0 {
			page = f.pages[0]
			f.pages = f.pages[1:]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"Get": map[string]any{"SqlSample": page}}})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/schema"):
		if r.URL.Path == "/v1/schema" {
			_, _ = io.WriteString(w, `{"classes":[]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/schema":
		var class map[string]any
		_ = json.NewDecoder(r.Body).Decode(&class)
		f.created = append(f.created, class)
		_ = json.NewEncoder(w).Encode(class)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func row(id, tenant, question string, certainty float64) map[string]any {
	return map[string]any{
		"question": question,
		"sql":      "SELECT 1",
		"tenant":   tenant,
		"_additional": map[string]any{
			"id":        id,
			"certainty": certainty,
		},
	}
}

func newFakeWeaviate(t *testing.T, fake *fakeWeaviate) *Weaviate {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store, err := NewWeaviateFromURL(srv.URL, "secret", 4, 2*time.Second)
	if err != nil {
		t.Fatalf("NewWeaviateFromURL() error = %v", err)
	}
	return store
}

func TestWeaviateSearchFiltersByTenant(t *testing.T) {
	fake := &fakeWeaviate{pages: [][]map[string]any{{
		row("00000000-0000-0000-0000-000000000001", "acme", "tail spend", 0.93),
		row("00000000-0000-0000-0000-000000000002", "globex", "leak", 0.91),
	}}}
	store := newFakeWeaviate(t, fake)

	hits, err := store.Search(context.Background(), "SqlSample", "acme", []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Question != "tail spend" || hits[0].Score != 0.93 {
		t.Fatalf("hits = %+v", hits)
	}
	query := fake.queries[0]
	for _, want := range []string{"nearVector", "tenant", "acme", "limit:5"} {
		if !strings.Contains(strings.ReplaceAll(query, " ", ""), strings.ReplaceAll(want, " ", "")) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

func TestWeaviateSearchRejectsWrongDimension(t *testing.T) {
	fake := &fakeWeaviate{}
	store := newFakeWeaviate(t, fake)
	_, err := store.Search(context.Background(), "SqlSample", "acme", []float32{1, 2}, 5)
	if !errors.Is(err, ErrDimension) {
		t.Fatalf("Search() error = %v, want ErrDimension", err)
	}
	if len(fake.queries) != 0 {
		t.Fatal("mismatched embedding reached the server")
	}
}

func TestWeaviateScrollPagesWithCursor(t *testing.T) {
	first := make([]map[string]any, 0, scrollPage)
	for i := 0; i < scrollPage; i++ {
		tenant := "acme"
		if i%2 == 1 {
			tenant = "globex"
		}
		first = append(first, row(fmt.Sprintf("00000000-0000-0000-0000-%012d", i), tenant, fmt.Sprintf("q%d", i), 0))
	}
	fake := &fakeWeaviate{pages: [][]map[string]any{first, {row("00000000-0000-0000-0000-999999999999", "acme", "last", 0)}}}
	store := newFakeWeaviate(t, fake)

	samples, err := store.Scroll(context.Background(), "SqlSample", "acme", 0)
	if err != nil {
		t.Fatalf("Scroll() error = %v", err)
	}
	if len(samples) != scrollPage/2+1 {
		t.Fatalf("len(samples) = %d", len(samples))
	}
	for _, s := range samples {
		if s.TenantID != "acme" {
			t.Fatalf("cross-tenant sample %+v", s)
		}
	}
	if len(fake.queries) != 2 || !strings.Contains(fake.queries[1], "00000000-0000-0000-0000-000000000099") {
		t.Fatalf("queries = %v", fake.queries)
	}
}

func TestWeaviateScrollStopsAtLimit(t *testing.T) {
	fake := &fakeWeaviate{pages: [][]map[string]any{{
		row("00000000-0000-0000-0000-000000000001", "acme", "a", 0),
		row("00000000-0000-0000-0000-000000000002", "acme", "b", 0),
	}}}
	store := newFakeWeaviate(t, fake)
	samples, err := store.Scroll(context.Background(), "SqlSample", "acme", 1)
	if err != nil || len(samples) != 1 {
		t.Fatalf("Scroll() = %v, %v", samples, err)
	}
}

func TestWeaviateEnsureCollectionCreatesClass(t *testing.T) {
	fake := &fakeWeaviate{}
	store := newFakeWeaviate(t, fake)
	if err := store.EnsureCollection(context.Background(), "SqlSample"); err != nil {
		t.Fatalf("EnsureCollection() error = %v", err)
	}
	if len(fake.created) != 1 || fake.created[0]["class"] != "SqlSample" {
		t.Fatalf("created = %+v", fake.created)
	}
}

func TestNewWeaviateFromURLRejectsBadURL(t *testing.T) {
	if _, err := NewWeaviateFromURL("not a url", "", 4, 0); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
