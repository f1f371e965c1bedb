package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ada_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	pipelineNodeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ada_pipeline_node_duration_seconds",
			Help:    "Pipeline node execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"pipeline", "node"},
	)
	pipelineNodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_pipeline_node_failures_total",
			Help: "Total number of failed pipeline node executions.",
		},
		[]string{"pipeline", "node"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_cache_lookups_total",
			Help: "Response cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
	sqlCorrectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ada_sql_corrections_total",
			Help: "Total number of SQL correction rounds.",
		},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_llm_calls_total",
			Help: "LLM gateway calls by use case and outcome.",
		},
		[]string{"use_case", "outcome"},
	)
	llmCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ada_llm_call_duration_seconds",
			Help:    "LLM gateway call latency including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"use_case"},
	)
	warehouseStatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_warehouse_statements_total",
			Help: "Warehouse statements by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ada_tasks_total",
			Help: "Tasks by pipeline and terminal state.",
		},
		[]string{"pipeline", "state"},
	)
	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ada_task_duration_seconds",
			Help:    "Task execution latency by pipeline.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"pipeline"},
	)
	queueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ada_queue_length",
			Help: "Current broker queue length.",
		},
		[]string{"broker", "queue"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		pipelineNodeDurationSeconds,
		pipelineNodeFailuresTotal,
		cacheLookupsTotal,
		sqlCorrectionsTotal,
		llmCallsTotal,
		llmCallDurationSeconds,
		warehouseStatementsTotal,
		tasksTotal,
		taskDurationSeconds,
		queueLength,
	)
}

// NodeMetrics records pipeline node executions.
type NodeMetrics struct{}

func (NodeMetrics) NodeFinished(pipeline, node string, elapsed time.Duration, err error) {
	pipelineNodeDurationSeconds.WithLabelValues(pipeline, node).Observe(elapsed.Seconds())
	if err != nil {
		pipelineNodeFailuresTotal.WithLabelValues(pipeline, node).Inc()
	}
}

func ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

func IncrementSQLCorrections() {
	sqlCorrectionsTotal.Inc()
}

func ObserveLLMCall(useCase string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	llmCallsTotal.WithLabelValues(useCase, outcome).Inc()
	llmCallDurationSeconds.WithLabelValues(useCase).Observe(elapsed.Seconds())
}

func ObserveWarehouseStatement(mode, outcome string) {
	warehouseStatementsTotal.WithLabelValues(mode, outcome).Inc()
}

func ObserveTask(pipeline, state string, elapsed time.Duration) {
	tasksTotal.WithLabelValues(pipeline, state).Inc()
	taskDurationSeconds.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

func SetQueueLength(broker, queue string, length int64) {
	if length < 0 {
		length = 0
	}
	queueLength.WithLabelValues(broker, queue).Set(float64(length))
}
