// Package metrics exposes the Prometheus registry shared by the songlist
// packages. Metrics are defined next to the code that updates them
// (pagination, client, cache, ratelimit) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all songlist metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Pagination Metrics (pkg/pagination):
//   - songlist_fetch_prepared_total{kind} (Counter): Fetches granted by PrepareFetch
//   - songlist_fetch_rejected_total{kind} (Counter): Fetches rejected because one was in flight
//   - songlist_fetch_completed_total{kind, outcome} (Counter): Completions by outcome (ok, ended, error, stale)
//
// Request Metrics (pkg/client):
//   - search_requests_total{status} (Counter): Requests by HTTP status, cache_hit, rate_limited or network_error
//   - search_request_duration_seconds (Histogram): Request duration including retries
//   - search_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - search_retries_total{error_class} (Counter): Retry attempts by error class
//   - search_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - search_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - search_cache_hits_total (Counter): Pages served from cache
//   - search_cache_misses_total (Counter): Cache misses, including stale entries
//   - search_cache_stored_bytes_total (Counter): Bytes written to the cache
//   - search_304_responses_total (Counter): Stale pages revalidated with 304
//   - search_cache_errors_total{operation} (Counter): Cache operation errors
//
// Quota Metrics (pkg/ratelimit):
//   - search_requests_remaining (Gauge): Requests left in the current minute
//   - search_rate_limit_blocks_total (Counter): Requests blocked by the quota
//   - search_rate_limit_throttles_total (Counter): Requests delayed because the quota runs low
//
// Server Metrics (cmd/songlist-server):
//   - songlist_sessions_open (Gauge): Open list sessions
//   - search_rate_limit_throttles_total (Counter): Requests delayed near the end of the quota
//
// Example Prometheus Queries:
//
//   # Stale completions (a refresh overtook a load-more)
//   sum(rate(songlist_fetch_completed_total{outcome="stale"}[5m]))
//
//   # Cache Hit Rate
//   sum(rate(search_cache_hits_total[5m])) /
//   (sum(rate(search_cache_hits_total[5m])) + sum(rate(search_cache_misses_total[5m])))
//
//   # Quota pressure
//   search_requests_remaining < 5
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(search_request_duration_seconds_bucket[5m]))
