package client

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scraper_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// DefaultDelays is the fixed backoff schedule for transient failures.
var DefaultDelays = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

// RetryConfig holds the configuration for the retry loop.
type RetryConfig struct {
	// MaxAttempts is the maximum number of calls per request (including the first).
	MaxAttempts int

	// Delays is the backoff schedule; attempt n waits Delays[n-1],
	// clamped to the last entry.
	Delays []time.Duration

	// Pacing is a fixed delay before every call.
	Pacing time.Duration

	// Timeout bounds a single call.
	Timeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delays:      append([]time.Duration(nil), DefaultDelays...),
		Pacing:      50 * time.Millisecond,
		Timeout:     30 * time.Second,
	}
}

// Delay returns the backoff after the given failed attempt (1-based).
func (rc RetryConfig) Delay(attempt int) time.Duration {
	if len(rc.Delays) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(rc.Delays) {
		return rc.Delays[len(rc.Delays)-1]
	}
	return rc.Delays[attempt-1]
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff records and performs the wait after a transient failure.
func (c *Client) backoff(ctx context.Context, attempt int, class ErrorClass) error {
	delay := c.retry.Delay(attempt)
	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

	c.logger.Debug().
		Str("error_class", string(class)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying request after backoff")

	if err := sleep(ctx, delay); err != nil {
		c.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Msg("Context cancelled during retry backoff")
		return err
	}
	return nil
}
