package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/observability"
)

// Handler runs one pipeline invocation for a task payload.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type WorkerConfig struct {
	Concurrency int
	Queues      []string
	DequeueWait time.Duration
	TaskTimeout time.Duration
}

type Worker struct {
	Dispatcher *Dispatcher
	Handlers   map[string]Handler
	Config     WorkerConfig
	Logger     *slog.Logger
}

func (w *Worker) ensureDefaults() {
	if w.Config.Concurrency <= 0 {
		w.Config.Concurrency = 4
	}
	if len(w.Config.Queues) == 0 {
		for name := range w.Handlers {
			w.Config.Queues = append(w.Config.Queues, name)
		}
	}
	if w.Config.DequeueWait <= 0 {
		w.Config.DequeueWait = time.Second
	}
	if w.Config.TaskTimeout <= 0 {
		w.Config.TaskTimeout = 5 * time.Minute
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
}

// Run starts Concurrency consumers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.ensureDefaults()
	if len(w.Config.Queues) == 0 {
		return fmt.Errorf("worker has no queues")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Config.Concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
					w.Logger.ErrorContext(ctx, "task worker cycle failed", slog.Any("error", err))
					sleep(ctx, w.Config.DequeueWait)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessOnce polls each queue once and runs at most one task. It reports
// whether a task was handled.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	w.ensureDefaults()
	wait := w.Config.DequeueWait / time.Duration(len(w.Config.Queues))
	for _, queue := range w.Config.Queues {
		item, ok, err := w.Dispatcher.Store.Dequeue(ctx, queue, wait)
		if err != nil {
			return false, fmt.Errorf("dequeue %s: %w", queue, err)
		}
		if !ok {
			continue
		}
		return true, w.execute(ctx, string(item))
	}
	return false, nil
}

func (w *Worker) execute(ctx context.Context, id string) error {
	rec, err := w.Dispatcher.Status(ctx, id)
	if errors.Is(err, ErrNotFound) {
		w.Logger.WarnContext(ctx, "dropping task without record", slog.String("task_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return nil
	}

	ctx = observability.ContextWithTaskID(ctx, id)
	logger := observability.WithContext(ctx, w.Logger).With(slog.String("pipeline", rec.Pipeline))
	started := time.Now()
	if rec, err = w.Dispatcher.transition(ctx, rec, StateStarted); err != nil {
		return err
	}

	result, runErr := w.run(ctx, rec)
	if runErr != nil {
		rec.Error = failureMessage(runErr)
		rec, err = w.Dispatcher.transition(ctx, rec, StateFailure)
		logger.WarnContext(ctx, "task failed", slog.String("error", runErr.Error()), slog.String("kind", string(apperr.KindOf(runErr))))
	} else {
		rec.Result = result
		rec, err = w.Dispatcher.transition(ctx, rec, StateSuccess)
		logger.InfoContext(ctx, "task succeeded", slog.Duration("elapsed", time.Since(started)))
	}
	observability.ObserveTask(rec.Pipeline, string(rec.State), time.Since(started))
	return err
}

func (w *Worker) run(ctx context.Context, rec Record) (result json.RawMessage, err error) {
	handler, ok := w.Handlers[rec.Pipeline]
	if !ok {
		return nil, apperr.Fatal(fmt.Sprintf("no handler for pipeline %s", rec.Pipeline), nil)
	}
	runCtx, cancel := context.WithTimeout(ctx, w.Config.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.Logger.ErrorContext(ctx, "task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = apperr.Fatal(fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	out, err := handler(runCtx, rec.Payload)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, apperr.UpstreamTimeout("task", err)
		}
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, apperr.Fatal("encode task result", err)
	}
	return raw, nil
}

func failureMessage(err error) string {
	if apperr.KindOf(err) == apperr.KindUpstreamTimeout {
		return "timeout"
	}
	return apperr.Message(err)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
