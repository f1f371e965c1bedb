// Package metadata is the synchronous relational store behind chat threads,
// precomputed schema fragments and per-category prompt context.
package metadata

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("metadata: not found")

// Thread is one persisted conversation. Chat is opaque to the store and must
// round-trip byte for byte.
type Thread struct {
	TenantID  string    `json:"tenant_id"`
	Category  string    `json:"category"`
	ThreadID  string    `json:"thread_id"`
	Chat      string    `json:"chat"`
	CreatedAt time.Time `json:"created_ts"`
	UpdatedAt time.Time `json:"updated_ts"`
}

type ThreadStore interface {
	// SaveThread inserts or overwrites the chat of (tenant, thread).
	SaveThread(ctx context.Context, in Thread) (Thread, error)
	ListThreads(ctx context.Context, tenantID string) ([]string, error)
	GetThreads(ctx context.Context, tenantID string, threadIDs []string) ([]Thread, error)
	UpdateThread(ctx context.Context, tenantID, threadID, chat string) (Thread, error)
	DeleteThread(ctx context.Context, tenantID, threadID string) error
}

type SchemaStore interface {
	// LatestSchema returns the newest schema fragment for category, falling
	// back to the tenant-wide fragment. ErrNotFound when neither exists.
	LatestSchema(ctx context.Context, tenantID, category string) (string, error)
	// CategoryPrompt returns "" when no prompt is configured.
	CategoryPrompt(ctx context.Context, tenantID, category string) (string, error)
}

type Repository interface {
	ThreadStore
	SchemaStore
	HealthCheck(ctx context.Context) error
}
