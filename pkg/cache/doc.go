// Package cache stores raw search API responses in Redis.
//
// Pages of a search are immutable for a short while, so scrolling back and
// forth through a list (or several sessions searching the same term) should
// not spend the per-minute request quota twice.
//
// Features:
//
//   - Deterministic keys built from endpoint and sorted query parameters
//   - TTL from Cache-Control max-age, then Expires, then DefaultTTL
//   - ETag / Last-Modified validators for conditional requests
//   - Prometheus metrics
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.NewCacheKey(req.URL)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then:
//		entry, err = cache.ResponseToEntry(resp)
//		if err == nil {
//			_ = manager.Set(ctx, key, entry)
//		}
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - search_cache_hits_total
//   - search_cache_misses_total
//   - search_cache_stored_bytes_total
//   - search_304_responses_total
//   - search_cache_errors_total{operation}
package cache
