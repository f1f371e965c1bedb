// Package llm is the single gateway to language-model calls. Every call is
// typed by a response schema and carries a cost tag naming tenant and use case.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/adaql/ada/internal/apperr"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Call is one structured completion request.
type Call struct {
	UseCase  string
	TenantID string
	Messages []Message
}

type EmbedCall struct {
	UseCase  string
	TenantID string
	Input    string
}

// SchemaSpec is the wire form of a response schema.
type SchemaSpec struct {
	Name       string
	Definition *jsonschema.Definition
}

type Completer interface {
	Complete(ctx context.Context, call Call, schema SchemaSpec) (string, error)
	Embed(ctx context.Context, call EmbedCall) ([]float32, error)
}

// Schema binds a response type to its JSON schema and an optional semantic check.
type Schema[T any] struct {
	spec  SchemaSpec
	check func(T) error
}

func MustSchema[T any](name string, check func(T) error) Schema[T] {
	var zero T
	def, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		panic(fmt.Sprintf("llm: schema %s: %v", name, err))
	}
	return Schema[T]{spec: SchemaSpec{Name: name, Definition: def}, check: check}
}

func (s Schema[T]) Spec() SchemaSpec {
	return s.spec
}

// Invoke performs a structured completion and decodes the reply into T.
func Invoke[T any](ctx context.Context, c Completer, call Call, schema Schema[T]) (T, error) {
	var out T
	raw, err := c.Complete(ctx, call, schema.spec)
	if err != nil {
		return out, apperr.FromCall("llm", err)
	}
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &out); err != nil {
		return out, apperr.Upstream("llm", fmt.Errorf("decode %s response: %w", schema.spec.Name, err))
	}
	if schema.check != nil {
		if err := schema.check(out); err != nil {
			return out, apperr.Upstream("llm", fmt.Errorf("%s response: %w", schema.spec.Name, err))
		}
	}
	return out, nil
}

// StripCodeFence removes a surrounding markdown code fence, if any.
func StripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 && !strings.ContainsAny(trimmed[:nl], " {[") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// CostTag renders the billing tag "<TENANTPREFIX>-<USECASE>".
func CostTag(tenantID, useCase string) string {
	var prefix strings.Builder
	for _, r := range strings.ToUpper(tenantID) {
		if prefix.Len() == 8 {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			prefix.WriteRune(r)
		}
	}
	return prefix.String() + "-" + strings.ToUpper(useCase)
}
