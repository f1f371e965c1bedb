// Package tasks dispatches pipeline invocations through the broker namespace
// of the cache store. Submissions are queued per pipeline; workers record the
// outcome under the task id where clients poll it.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/cache"
)

var ErrNotFound = errors.New("task not found")

type State string

const (
	StatePending State = "pending"
	StateStarted State = "started"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

const DefaultResultTTL = 24 * time.Hour

const recordKeyPrefix = "task:"

// Record is the stored state of one task.
type Record struct {
	ID        string          `json:"id"`
	Pipeline  string          `json:"pipeline"`
	State     State           `json:"state"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Dispatcher owns task records and queues. Store must already be scoped to
// the broker namespace.
type Dispatcher struct {
	Store     cache.Store
	ResultTTL time.Duration
	Clock     func() time.Time
	NewID     func() string
}

func NewDispatcher(store cache.Store, resultTTL time.Duration) *Dispatcher {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &Dispatcher{
		Store:     store,
		ResultTTL: resultTTL,
		Clock:     func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Submit records a pending task for pipeline and enqueues it on the queue of
// the same name.
func (d *Dispatcher) Submit(ctx context.Context, pipeline string, args any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", apperr.Validation("payload", err.Error())
	}
	now := d.Clock()
	rec := Record{
		ID:        d.NewID(),
		Pipeline:  pipeline,
		State:     StatePending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.save(ctx, rec); err != nil {
		return "", err
	}
	if err := d.Store.Enqueue(ctx, pipeline, []byte(rec.ID)); err != nil {
		return "", apperr.FromCall("broker", fmt.Errorf("enqueue task %s: %w", rec.ID, err))
	}
	return rec.ID, nil
}

func (d *Dispatcher) Status(ctx context.Context, id string) (Record, error) {
	raw, ok, err := d.Store.Get(ctx, recordKeyPrefix+id)
	if err != nil {
		return Record{}, apperr.FromCall("broker", err)
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, apperr.Fatal("decode task record", err)
	}
	return rec, nil
}

// Result returns the stored result once the task succeeded; ok is false
// while it is pending, started or failed.
func (d *Dispatcher) Result(ctx context.Context, id string) (json.RawMessage, bool, error) {
	rec, err := d.Status(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if rec.State != StateSuccess {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

func (d *Dispatcher) transition(ctx context.Context, rec Record, state State) (Record, error) {
	rec.State = state
	rec.UpdatedAt = d.Clock()
	return rec, d.save(ctx, rec)
}

func (d *Dispatcher) save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperr.Fatal("encode task record", err)
	}
	if err := d.Store.Put(ctx, recordKeyPrefix+rec.ID, raw, d.ResultTTL); err != nil {
		return apperr.FromCall("broker", fmt.Errorf("store task %s: %w", rec.ID, err))
	}
	return nil
}
