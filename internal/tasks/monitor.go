package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adaql/ada/internal/cache"
	"github.com/adaql/ada/internal/observability"
)

const DefaultMonitorInterval = 5 * time.Second

// QueueMonitor samples the length of every queue on every broker database and
// forwards it to the prometheus gauge and the telemetry sink.
type QueueMonitor struct {
	// Brokers maps a broker label (typically "db<N>") to its namespaced store.
	Brokers  map[string]cache.Store
	Queues   []string
	Sink     observability.TelemetrySink
	Interval time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time
}

func (m *QueueMonitor) ensureDefaults() {
	if m.Interval <= 0 {
		m.Interval = DefaultMonitorInterval
	}
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
	if m.Sink == nil {
		m.Sink = observability.LogSink{Logger: m.Logger}
	}
	if m.Clock == nil {
		m.Clock = func() time.Time { return time.Now().UTC() }
	}
}

func (m *QueueMonitor) Run(ctx context.Context) error {
	m.ensureDefaults()
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		if err := m.SampleOnce(ctx); err != nil && ctx.Err() == nil {
			m.Logger.WarnContext(ctx, "queue sampling failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce records one sample per broker and queue. Failures on one queue
// do not stop the others.
func (m *QueueMonitor) SampleOnce(ctx context.Context) error {
	m.ensureDefaults()
	names := make([]string, 0, len(m.Brokers))
	for name := range m.Brokers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	at := m.Clock()
	for _, broker := range names {
		store := m.Brokers[broker]
		for _, queue := range m.Queues {
			length, err := store.QueueLen(ctx, queue)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", broker, queue, err))
				continue
			}
			observability.SetQueueLength(broker, queue, length)
			sample := observability.QueueSample{Broker: broker, Queue: queue, Length: length, At: at}
			if err := m.Sink.RecordQueueLength(ctx, sample); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", broker, queue, err))
			}
		}
	}
	return errors.Join(errs...)
}
