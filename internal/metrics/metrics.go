// Package metrics exposes shardkv's Prometheus instrumentation: shard
// mailbox depth, command latency by verb, expiration counters, pub/sub
// subscriber gauges, and connection counts. Package-scope collectors,
// MustRegister'd once in init, served over promhttp.Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_connections_active",
		Help: "Current number of open client connections.",
	})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_connections_total",
		Help: "Total number of client connections accepted.",
	})
	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_connections_rejected_total",
		Help: "Total number of connections rejected at capacity.",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_commands_total",
		Help: "Total number of commands executed, by verb.",
	}, []string{"verb"})

	CommandLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardkv_command_latency_seconds",
		Help:    "Command execution latency from parse to reply, by verb.",
		Buckets: prometheus.DefBuckets,
	}, []string{"verb"})

	ShardMailboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkv_shard_mailbox_depth",
		Help: "Number of requests currently queued in a shard's mailbox.",
	}, []string{"shard"})

	ShardKeyCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkv_shard_key_count",
		Help: "Number of live keys owned by a shard.",
	}, []string{"shard"})

	KeysExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_keys_expired_total",
		Help: "Total number of keys reclaimed by the expiration reaper.",
	})

	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_subscribers_active",
		Help: "Current number of connections holding at least one channel subscription.",
	})

	PublishDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_publish_deliveries_total",
		Help: "Total number of pub/sub messages delivered to subscribers.",
	})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_rate_limited_total",
		Help: "Total number of commands rejected by the per-connection rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRejected,
		CommandsTotal,
		CommandLatencySeconds,
		ShardMailboxDepth,
		ShardKeyCount,
		KeysExpiredTotal,
		SubscribersActive,
		PublishDeliveriesTotal,
		RateLimitedTotal,
	)
}

// Serve starts an HTTP server exposing /metrics on addr. It runs until
// the listener errors (typically because the process is shutting down);
// a fire-and-forget side process, not part of the request-handling path.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
