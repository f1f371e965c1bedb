// Package storage reads prompt packs kept in an object store bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Bucket is the read side of an object store. Keys are relative to the
// store root.
type Bucket interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ReadAll fetches an object fully, refusing objects larger than limit bytes.
func ReadAll(ctx context.Context, bucket Bucket, key string, limit int64) ([]byte, error) {
	body, err := bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: %q", ErrObjectTooLarge, key)
	}
	return raw, nil
}
