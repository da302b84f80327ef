// Package cache provides a Redis-backed response cache for GET requests
// with ETag and Last-Modified revalidation.
//
// GitHub answers a conditional request (If-None-Match / If-Modified-Since)
// with 304 Not Modified when nothing changed, and such responses do not
// count against a token's hourly quota. Fresh entries (within max-age) are
// served without any call at all.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, cache.DefaultRetention)
//
//	key := cache.KeyFromURL(req.URL)
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// Not cached - plain request
//	}
//
//	if entry != nil && !entry.IsExpired() {
//		// Fresh - use entry.Data directly
//	}
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// Entries are retained in Redis for the configured retention period even
// after they become stale, so they can still be revalidated.
//
// # Metrics
//
//   - scraper_cache_hits_total{state="fresh|stale"} - Cache hits
//   - scraper_cache_misses_total - Cache misses
//   - scraper_cache_size_bytes - Bytes written to the cache
//   - scraper_304_responses_total - Successful revalidations
//   - scraper_conditional_requests_total - Conditional requests sent
//   - scraper_cache_errors_total{operation} - Cache operation errors
package cache
