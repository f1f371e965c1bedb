package text2sql

import (
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/vectorstore"
	"github.com/adaql/ada/internal/warehouse"
)

// CacheEntry is the value stored under a run's fingerprint. Result is nil
// when the SQL was never executed.
type CacheEntry struct {
	SQL        string            `json:"sql"`
	FixedQuery string            `json:"fixed_query"`
	Result     *warehouse.Result `json:"result"`
}

// Memo is a stabilisation computed during a run and not yet committed to the
// cache.
type Memo struct {
	Query string
	Fixed string
}

// Example is a few-shot sample kept by the reranker.
type Example struct {
	Question   string  `json:"question"`
	SQL        string  `json:"sql"`
	Confidence float64 `json:"confidence"`
}

type Response struct {
	SQL            string      `json:"sql"`
	FixedQuery     string      `json:"fixed_query"`
	Cache          *CacheEntry `json:"cache"`
	Unvalidated    bool        `json:"unvalidated"`
	RecursionDepth int         `json:"recursion_depth"`
	Warning        string      `json:"warning,omitempty"`
}

// State is threaded through the text-to-SQL graph. Each Field is written by
// exactly one node; Depth is owned by SQLCorrection.
type State struct {
	Query    string
	Tenant   tenant.Tenant
	Category string
	Currency string
	Language string
	// WriteCache is false when an enclosing pipeline commits the cache entry
	// and the memo itself, after executing the SQL.
	WriteCache bool

	FixedQuery      graph.Field[string]
	Memo            graph.Field[Memo]
	Fingerprint     graph.Field[string]
	Cached          graph.Field[CacheEntry]
	Retrieved       graph.Field[[]vectorstore.Hit]
	Reranked        graph.Field[[]Example]
	Schema          graph.Field[string]
	CategoryContext graph.Field[string]
	Draft           graph.Field[string]
	Corrected       graph.Field[string]
	Verdict         graph.Field[warehouse.Verdict]
	FinalSQL        graph.Field[string]
	Depth           int
	Response        graph.Field[Response]
}

// Hit reports whether CheckCache found an entry.
func (s State) Hit() bool {
	return s.Cached.IsSet()
}

// Candidate is the SQL currently under validation.
func (s State) Candidate() (string, error) {
	if sql, ok := s.Corrected.Get(); ok {
		return sql, nil
	}
	return s.Draft.Must("draft_sql")
}
