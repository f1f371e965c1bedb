// Package cache provides the key/value and queue store shared by the
// response cache and the task broker.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("cache store closed")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Enqueue(ctx context.Context, queue string, item []byte) error
	// Dequeue waits up to wait for an item; ok is false when none arrived.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (item []byte, ok bool, err error)
	QueueLen(ctx context.Context, queue string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Fingerprint is the response cache key for a stabilised question.
func Fingerprint(tenantID, category, query string) string {
	h := sha256.New()
	for i, part := range []string{tenantID, category, query} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(normalize(part)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type namespaced struct {
	Store
	prefix string
}

// Namespace isolates keys and queues of one purpose behind prefix.
func Namespace(store Store, prefix string) Store {
	return &namespaced{Store: store, prefix: prefix}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.Store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.Store.Put(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Enqueue(ctx context.Context, queue string, item []byte) error {
	return n.Store.Enqueue(ctx, n.prefix+queue, item)
}

func (n *namespaced) Dequeue(ctx context.Context, queue string, wait time.Duration) ([]byte, bool, error) {
	return n.Store.Dequeue(ctx, n.prefix+queue, wait)
}

func (n *namespaced) QueueLen(ctx context.Context, queue string) (int64, error) {
	return n.Store.QueueLen(ctx, n.prefix+queue)
}

// Close is a no-op; the underlying store is owned by whoever created it.
func (n *namespaced) Close() error {
	return nil
}
