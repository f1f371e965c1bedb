package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const queueLengthMeasurement = "ada_queue_length"

// QueueSample is one queue length observation.
type QueueSample struct {
	Broker string
	Queue  string
	Length int64
	At     time.Time
}

type TelemetrySink interface {
	RecordQueueLength(ctx context.Context, sample QueueSample) error
}

// InfluxSink writes samples synchronously to an InfluxDB bucket.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func NewInfluxSink(url, token, org, bucket string) (*InfluxSink, error) {
	if url == "" {
		return nil, fmt.Errorf("influx url is required")
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{client: client, writer: client.WriteAPIBlocking(org, bucket)}, nil
}

func (s *InfluxSink) RecordQueueLength(ctx context.Context, sample QueueSample) error {
	if err := s.writer.WritePoint(ctx, QueuePoint(sample)); err != nil {
		return fmt.Errorf("write queue length point: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

func QueuePoint(sample QueueSample) *write.Point {
	at := sample.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return influxdb2.NewPointWithMeasurement(queueLengthMeasurement).
		AddTag("broker", sample.Broker).
		AddTag("queue", sample.Queue).
		AddField("length", sample.Length).
		SetTime(at)
}

// LogSink is used when no InfluxDB endpoint is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) RecordQueueLength(ctx context.Context, sample QueueSample) error {
	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "queue_length",
			slog.String("broker", sample.Broker),
			slog.String("queue", sample.Queue),
			slog.Int64("length", sample.Length),
		)
	}
	return nil
}
