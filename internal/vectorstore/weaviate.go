package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/adaql/ada/internal/apperr"
)

const (
	source        = "vectorstore"
	scrollPage    = 100
	propQuestion  = "question"
	propSQL       = "sql"
	propTenant    = "tenant"
	additionalKey = "_additional"
)

type WeaviateConfig struct {
	Host      string
	Scheme    string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

type Weaviate struct {
	client    *weaviate.Client
	dimension int
	timeout   time.Duration
}

func NewWeaviate(cfg WeaviateConfig) (*Weaviate, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("vector store host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:             cfg.Host,
		Scheme:           cfg.Scheme,
		Headers:          headers,
		ConnectionClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Weaviate{client: client, dimension: cfg.Dimension, timeout: cfg.Timeout}, nil
}

// NewWeaviateFromURL splits a base URL like https://weaviate:8080 into host
// and scheme.
func NewWeaviateFromURL(raw, apiKey string, dimension int, timeout time.Duration) (*Weaviate, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid vector store url %q", raw)
	}
	return NewWeaviate(WeaviateConfig{Host: parsed.Host, Scheme: parsed.Scheme, APIKey: apiKey, Dimension: dimension, Timeout: timeout})
}

func sampleClass(collection string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       collection,
		Description: "Tenant question/SQL examples used as few-shot context",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: propQuestion, DataType: []string{"text"}},
			{Name: propSQL, DataType: []string{"text"}},
			{Name: propTenant, DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
		},
	}
}

func (w *Weaviate) EnsureCollection(ctx context.Context, collection string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(collection).Do(ctx)
	if err != nil {
		return apperr.FromCall(source, err)
	}
	if exists {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(sampleClass(collection)).Do(ctx); err != nil {
		return apperr.FromCall(source, fmt.Errorf("create class %s: %w", collection, err))
	}
	return nil
}

func (w *Weaviate) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return apperr.FromCall(source, err)
	}
	if !ready {
		return apperr.Upstream(source, errors.New("weaviate is not ready"))
	}
	return nil
}

type objectRow struct {
	Question   string `json:"question"`
	SQL        string `json:"sql"`
	Tenant     string `json:"tenant"`
	Additional struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

func (r objectRow) sample() Sample {
	return Sample{ID: r.Additional.ID, Question: r.Question, SQL: r.SQL, TenantID: r.Tenant}
}

func (w *Weaviate) Search(ctx context.Context, collection, tenantID string, embedding []float32, k int) ([]Hit, error) {
	if err := checkDimension(embedding, w.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	where := filters.Where().
		WithPath([]string{propTenant}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)

	resp, err := w.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(sampleFields(true)...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, apperr.FromCall(source, err)
	}
	rows, err := decodeRows(resp, collection)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		// The where filter already scopes to the tenant; rows from any other
		// tenant are dropped regardless.
		if row.Tenant != tenantID {
			continue
		}
		hit := Hit{Sample: row.sample()}
		if row.Additional.Certainty != nil {
			hit.Score = *row.Additional.Certainty
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Scroll pages through the collection with the cursor API. Cursors cannot be
// combined with where filters, so tenant scoping happens here.
func (w *Weaviate) Scroll(ctx context.Context, collection, tenantID string, limit int) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var (
		out   []Sample
		after string
	)
	for {
		query := w.client.GraphQL().Get().
			WithClassName(collection).
			WithFields(sampleFields(false)...).
			WithLimit(scrollPage)
		if after != "" {
			query = query.WithAfter(after)
		}
		resp, err := query.Do(ctx)
		if err != nil {
			return nil, apperr.FromCall(source, err)
		}
		rows, err := decodeRows(resp, collection)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.Tenant == tenantID {
				out = append(out, row.sample())
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(rows) < scrollPage {
			return out, nil
		}
		after = rows[len(rows)-1].Additional.ID
	}
}

func (w *Weaviate) Upsert(ctx context.Context, collection string, sample Sample, embedding []float32) (string, error) {
	if err := checkDimension(embedding, w.dimension); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	creator := w.client.Data().Creator().
		WithClassName(collection).
		WithProperties(map[string]any{
			propQuestion: sample.Question,
			propSQL:      sample.SQL,
			propTenant:   sample.TenantID,
		}).
		WithVector(embedding)
	if sample.ID != "" {
		creator = creator.WithID(sample.ID)
	}
	created, err := creator.Do(ctx)
	if err != nil {
		return "", apperr.FromCall(source, err)
	}
	if created == nil || created.Object == nil {
		return "", apperr.Upstream(source, errors.New("create returned no object"))
	}
	return created.Object.ID.String(), nil
}

func sampleFields(withCertainty bool) []graphql.Field {
	additional := []graphql.Field{{Name: "id"}}
	if withCertainty {
		additional = append(additional, graphql.Field{Name: "certainty"})
	}
	return []graphql.Field{
		{Name: propQuestion},
		{Name: propSQL},
		{Name: propTenant},
		{Name: additionalKey, Fields: additional},
	}
}

func decodeRows(resp *models.GraphQLResponse, collection string) ([]objectRow, error) {
	if resp == nil {
		return nil, apperr.Upstream(source, errors.New("nil graphql response"))
	}
	if len(resp.Errors) > 0 {
		messages := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				messages = append(messages, e.Message)
			}
		}
		return nil, apperr.Upstream(source, errors.New(strings.Join(messages, "; ")))
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var payload struct {
		Get map[string][]objectRow `json:"Get"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Upstream(source, fmt.Errorf("decode graphql data: %w", err))
	}
	return payload.Get[collection], nil
}
