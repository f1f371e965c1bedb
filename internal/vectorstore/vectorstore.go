// Package vectorstore retrieves tenant-scoped SQL examples by embedding
// similarity. Every query is filtered to one tenant; an embedding whose
// dimension differs from the collection's is rejected.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrDimension = errors.New("embedding dimension mismatch")

// Sample is one stored question/SQL pair.
type Sample struct {
	ID       string `json:"id" yaml:"id"`
	Question string `json:"question" yaml:"question"`
	SQL      string `json:"sql" yaml:"sql"`
	TenantID string `json:"tenant" yaml:"tenant"`
}

type Hit struct {
	Sample
	Score float64 `json:"score"`
}

type Searcher interface {
	Search(ctx context.Context, collection, tenantID string, embedding []float32, k int) ([]Hit, error)
}

type Scroller interface {
	// Scroll returns up to limit samples of tenantID; limit <= 0 means all.
	Scroll(ctx context.Context, collection, tenantID string, limit int) ([]Sample, error)
}

type Writer interface {
	Upsert(ctx context.Context, collection string, sample Sample, embedding []float32) (string, error)
}

type Store interface {
	Searcher
	Scroller
	Writer
	EnsureCollection(ctx context.Context, collection string) error
	Ready(ctx context.Context) error
}

func checkDimension(embedding []float32, want int) error {
	if len(embedding) != want {
		return fmt.Errorf("%w: got %d, collection expects %d", ErrDimension, len(embedding), want)
	}
	return nil
}
