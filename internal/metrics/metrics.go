package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcp_clickhouse_build_info",
			Help: "Build information of the ClickHouse MCP server",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_clickhouse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcp_clickhouse_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_clickhouse_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_clickhouse_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool_name", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_clickhouse_tool_call_duration_seconds",
			Help:    "Duration of tool calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tool_name"},
	)

	QueryResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_clickhouse_query_results_total",
			Help: "Total number of query results by driver and outcome",
		},
		[]string{"driver", "outcome"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_clickhouse_query_duration_seconds",
			Help:    "Duration of query executions inside a worker, including abandoned ones",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"driver"},
	)

	PoolCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_clickhouse_query_pool_capacity",
			Help: "Number of worker slots in the query pool",
		},
	)

	PoolRunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_clickhouse_query_pool_running_jobs",
			Help: "Number of jobs currently occupying a worker slot",
		},
	)

	PoolQueuedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_clickhouse_query_pool_queued_jobs",
			Help: "Number of jobs waiting for a free worker slot",
		},
	)

	PoolZombieJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_clickhouse_query_pool_zombie_jobs",
			Help: "Number of jobs still running after their caller already received a timeout",
		},
	)

	PostgresQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_clickhouse_postgres_queries_total",
			Help: "Total number of queries received over the PostgreSQL wire protocol",
		},
		[]string{"status"},
	)
)
