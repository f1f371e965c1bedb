package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedFile is a curated batch of question/SQL samples.
type SeedFile struct {
	Samples []Sample `yaml:"samples"`
}

// EmbedFunc embeds a sample question on behalf of tenantID.
type EmbedFunc func(ctx context.Context, tenantID, text string) ([]float32, error)

type SeedTarget interface {
	Writer
	EnsureCollection(ctx context.Context, collection string) error
}

// ParseSeed decodes a seed file. Every sample needs a tenant, a question and
// its SQL.
func ParseSeed(raw []byte) ([]Sample, error) {
	var doc SeedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	for i, sample := range doc.Samples {
		switch {
		case strings.TrimSpace(sample.TenantID) == "":
			return nil, fmt.Errorf("sample %d: tenant is required", i)
		case strings.TrimSpace(sample.Question) == "":
			return nil, fmt.Errorf("sample %d: question is required", i)
		case strings.TrimSpace(sample.SQL) == "":
			return nil, fmt.Errorf("sample %d: sql is required", i)
		}
	}
	return doc.Samples, nil
}

// Seed embeds and upserts samples into collection, creating it first when
// missing. It stops at the first failure and reports how many were written.
func Seed(ctx context.Context, target SeedTarget, embed EmbedFunc, collection string, samples []Sample) (int, error) {
	if err := target.EnsureCollection(ctx, collection); err != nil {
		return 0, fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	for i, sample := range samples {
		vec, err := embed(ctx, sample.TenantID, sample.Question)
		if err != nil {
			return i, fmt.Errorf("embed sample %d: %w", i, err)
		}
		if _, err := target.Upsert(ctx, collection, sample, vec); err != nil {
			return i, fmt.Errorf("upsert sample %d: %w", i, err)
		}
	}
	return len(samples), nil
}
