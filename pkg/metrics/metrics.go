// Package metrics exposes the Prometheus metrics of the scraper.
// All metrics are defined in their respective packages (ratelimit, client,
// cache, dispatch, watchdog) via promauto and registered on the default
// registry; this package serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the scraper.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Credential Pool Metrics (pkg/ratelimit):
//   - scraper_credentials_available (Gauge): Credentials passing the availability check
//   - scraper_credential_remaining{credential} (Gauge): Last observed remaining quota
//   - scraper_pool_exhausted (Gauge): 1 while no credential is available
//   - scraper_credential_borrows_total (Counter): Credentials handed out by the borrow pass
//   - scraper_pool_exhaustions_total (Counter): Acquisitions that fell back to an exhausted credential
//   - scraper_recovery_sleeps_total (Counter): Coordinated recovery sleeps
//
// Request Metrics (pkg/client):
//   - scraper_requests_total{method, outcome} (Counter): Executed requests by outcome kind
//   - scraper_calls_total{status} (Counter): HTTP calls by status code
//   - scraper_request_duration_seconds{method} (Histogram): Duration including retries
//   - scraper_errors_total{class} (Counter): Failed calls by class (client, server, rate_limit, network)
//   - scraper_rate_limit_hits_total{credential} (Counter): Calls rejected for quota reasons
//
// Retry Metrics (pkg/client):
//   - scraper_retries_total{error_class} (Counter): Retry attempts by error class
//   - scraper_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - scraper_retry_exhausted_total{error_class} (Counter): Requests that hit the attempt ceiling
//
// Cache Metrics (pkg/cache):
//   - scraper_cache_hits_total{state} (Counter): Cache hits by freshness (fresh, stale)
//   - scraper_cache_misses_total (Counter): Cache misses
//   - scraper_cache_size_bytes (Counter): Bytes written to the cache
//   - scraper_304_responses_total (Counter): 304 Not Modified responses
//   - scraper_conditional_requests_total (Counter): Conditional requests sent
//   - scraper_cache_errors_total{operation} (Counter): Cache operation errors
//
// Dispatcher Metrics (pkg/dispatch):
//   - scraper_tasks_total{outcome} (Counter): Completed tasks by final outcome
//   - scraper_task_duration_seconds (Histogram): Task processing time
//   - scraper_task_panics_total (Counter): Recovered processor panics
//   - scraper_workers_active (Gauge): Running workers
//   - scraper_progress (Gauge): Tasks completed in the current run
//
// Watchdog Metrics (pkg/watchdog):
//   - scraper_watchdog_stalls_total (Counter): Stall alerts raised
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(scraper_cache_hits_total[5m])) /
//   (sum(rate(scraper_cache_hits_total[5m])) + sum(rate(scraper_cache_misses_total[5m])))
//
//   # Pool headroom
//   scraper_credentials_available == 0
//
//   # Rate limit hits per credential
//   sum by (credential) (rate(scraper_rate_limit_hits_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(scraper_request_duration_seconds_bucket[5m]))
