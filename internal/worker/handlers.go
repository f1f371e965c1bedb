// Package worker binds the chat and text-to-SQL pipelines to task queues.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/pipeline/chat"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/tasks"
	"github.com/adaql/ada/internal/tenant"
)

type Pipelines struct {
	Tenants  tenant.Resolver
	Chat     *chat.Pipeline
	Text2SQL *text2sql.Pipeline
}

// Handlers returns one handler per configured pipeline, keyed by queue name.
func (p Pipelines) Handlers() map[string]tasks.Handler {
	handlers := make(map[string]tasks.Handler, 2)
	if p.Chat != nil {
		handlers[chat.Name] = func(ctx context.Context, payload json.RawMessage) (any, error) {
			req, t, err := p.request(ctx, payload)
			if err != nil {
				return nil, err
			}
			return p.Chat.Run(ctx, req, t)
		}
	}
	if p.Text2SQL != nil {
		handlers[text2sql.Name] = func(ctx context.Context, payload json.RawMessage) (any, error) {
			req, t, err := p.request(ctx, payload)
			if err != nil {
				return nil, err
			}
			return p.Text2SQL.Run(ctx, req, t)
		}
	}
	return handlers
}

func (p Pipelines) request(ctx context.Context, payload json.RawMessage) (pipeline.Request, tenant.Tenant, error) {
	var req pipeline.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return pipeline.Request{}, tenant.Tenant{}, apperr.Validation("payload", "invalid task payload")
	}
	t, err := p.Tenants.Resolve(ctx, req.TenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return pipeline.Request{}, tenant.Tenant{}, apperr.NotFound(fmt.Sprintf("tenant %s", req.TenantID))
	}
	if err != nil {
		return pipeline.Request{}, tenant.Tenant{}, err
	}
	return req, t, nil
}
