package chat

import (
	"github.com/adaql/ada/internal/graph"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/tenant"
	"github.com/adaql/ada/internal/warehouse"
)

// Turn is one transcript entry as stored in the thread's chat column.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	SQL     string `json:"sql,omitempty"`
}

// Reply is the chat response envelope.
type Reply struct {
	Reply       string               `json:"reply"`
	SQL         string               `json:"sql"`
	FixedQuery  string               `json:"fixed_query"`
	Result      *warehouse.Result    `json:"result"`
	Count       int                  `json:"count"`
	Cache       *text2sql.CacheEntry `json:"cache"`
	ThreadID    string               `json:"thread_id"`
	Route       string               `json:"route"`
	Unvalidated bool                 `json:"unvalidated,omitempty"`
}

type State struct {
	Query     string
	Tenant    tenant.Tenant
	Category  string
	ThreadID  string
	SessionID string
	Currency  string
	Language  string

	Route       graph.Field[string]
	Entities    graph.Field[[]string]
	TaggedQuery graph.Field[string]
	// Transcript is the stored thread; History is its tail fed to prompts.
	Transcript  graph.Field[[]Turn]
	History     graph.Field[[]Turn]
	SQL         graph.Field[text2sql.Response]
	Fingerprint graph.Field[string]
	Memo        graph.Field[text2sql.Memo]
	Rows        graph.Field[warehouse.Result]
	KeyFacts    graph.Field[string]
	Summary     graph.Field[string]
	OpenWorld   graph.Field[string]
	Reply       graph.Field[Reply]
}

// Input is the question downstream nodes work on: the entity-tagged query
// when tagging ran, the raw query otherwise.
func (s State) Input() string {
	return s.TaggedQuery.Or(s.Query)
}

// CacheHit reports whether the text-to-SQL run found a cached result set.
func (s State) CacheHit() bool {
	resp, ok := s.SQL.Get()
	return ok && resp.Cache != nil && resp.Cache.Result != nil
}
