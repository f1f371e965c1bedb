// Package pipeline holds what the chat, text-to-SQL and recommendation
// pipelines share: tunables, the request shape and the LLM call helper.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/adaql/ada/internal/config"
	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/prompts"
	"github.com/adaql/ada/internal/tenant"
)

type Config struct {
	Collection     string
	RetrievalK     int
	RerankTopN     int
	MaxDepth       int
	CacheTTL       time.Duration
	HistoryTurns   int
	MaxSteps       int
	SuggestSamples int
}

func DefaultConfig() Config {
	return Config{
		Collection:     "SqlSample",
		RetrievalK:     10,
		RerankTopN:     3,
		MaxDepth:       3,
		CacheTTL:       7 * 24 * time.Hour,
		HistoryTurns:   10,
		MaxSteps:       64,
		SuggestSamples: 20,
	}
}

// WithDefaults fills every unset tunable from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.RetrievalK <= 0 {
		c.RetrievalK = d.RetrievalK
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = d.RerankTopN
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.SuggestSamples <= 0 {
		c.SuggestSamples = d.SuggestSamples
	}
	return c
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Collection:     cfg.VectorStore.Collection,
		RetrievalK:     cfg.Pipeline.RetrievalK,
		RerankTopN:     cfg.Pipeline.RerankTopN,
		MaxDepth:       cfg.Pipeline.MaxDepth,
		CacheTTL:       cfg.Pipeline.CacheTTL,
		HistoryTurns:   cfg.Pipeline.HistoryTurns,
		MaxSteps:       cfg.Pipeline.MaxGraphSteps,
		SuggestSamples: cfg.Pipeline.SuggestSamples,
	}
}

// Request is the task payload shared by the chat and text-to-SQL pipelines.
type Request struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	Query     string `json:"query" validate:"required"`
	Category  string `json:"category"`
	ThreadID  string `json:"thread_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Currency  string `json:"preferred_currency,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Locale returns the request's currency and language, defaulting to the
// tenant's preferences.
func (r Request) Locale(t tenant.Tenant) (currency, language string) {
	currency, language = r.Currency, r.Language
	if currency == "" {
		currency = t.Currency
	}
	if language == "" {
		language = t.Language
	}
	return currency, language
}

// Ask renders template from the tenant's prompt pack and performs a typed
// completion tagged with useCase.
func Ask[T any](ctx context.Context, c llm.Completer, r prompts.Renderer, t tenant.Tenant, template, useCase string, schema llm.Schema[T], vars map[string]any) (T, error) {
	var zero T
	messages, err := r.Render(t.PromptPack, template, vars)
	if err != nil {
		return zero, fmt.Errorf("render %s: %w", template, err)
	}
	return llm.Invoke(ctx, c, llm.Call{UseCase: useCase, TenantID: t.ID, Messages: messages}, schema)
}
