// Package watchdog reports runs that stopped making progress.
// It only observes the progress counter and never interferes with workers.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var stallsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scraper_watchdog_stalls_total",
	Help: "Total stall alerts raised by the watchdog",
})

// ProgressReader exposes a monotonically increasing progress counter.
type ProgressReader interface {
	Progress() int64
}

// ProgressFunc adapts a function to ProgressReader.
type ProgressFunc func() int64

// Progress implements ProgressReader.
func (f ProgressFunc) Progress() int64 {
	return f()
}

// Config holds the watchdog configuration.
type Config struct {
	// Interval between two progress readings.
	Interval time.Duration

	// Threshold is the number of consecutive unchanged readings that
	// raise a stall alert.
	Threshold int
}

// DefaultConfig alerts after 20 minutes without progress.
func DefaultConfig() Config {
	return Config{
		Interval:  2 * time.Minute,
		Threshold: 10,
	}
}

// Watchdog periodically samples progress.
type Watchdog struct {
	progress ProgressReader
	notifier notify.Notifier
	config   Config
	logger   zerolog.Logger

	last   int64
	streak int
	alerts int
}

// New creates a watchdog. A nil notifier only logs.
func New(progress ProgressReader, notifier notify.Notifier, cfg Config) (*Watchdog, error) {
	if progress == nil {
		return nil, fmt.Errorf("progress reader is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0 (got %v)", cfg.Interval)
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("threshold must be >= 1 (got %d)", cfg.Threshold)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Watchdog{
		progress: progress,
		notifier: notifier,
		config:   cfg,
		logger:   log.With().Str("component", "watchdog").Logger(),
	}, nil
}

// SetLogger replaces the component logger.
func (w *Watchdog) SetLogger(logger zerolog.Logger) {
	w.logger = logger
}

// Run samples progress every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	w.last = w.progress.Progress()
	w.streak = 0

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Debug().
		Dur("interval", w.config.Interval).
		Int("threshold", w.config.Threshold).
		Msg("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// Alerts returns how many stall alerts were raised.
// Only meaningful after Run returned.
func (w *Watchdog) Alerts() int {
	return w.alerts
}

// check takes one reading. It returns true when the reading raised an alert.
func (w *Watchdog) check(ctx context.Context) bool {
	current := w.progress.Progress()
	if current != w.last {
		w.last = current
		w.streak = 0
		return false
	}

	w.streak++
	if w.streak < w.config.Threshold {
		return false
	}

	stalled := time.Duration(w.streak) * w.config.Interval
	w.streak = 0
	w.alerts++
	stallsTotal.Inc()

	w.logger.Warn().
		Int64("progress", current).
		Dur("stalled_for", stalled).
		Msg("No progress detected")

	err := w.notifier.Notify(ctx, notify.Message{
		Title:       "Scraper Stalled",
		Description: fmt.Sprintf("No progress for %s (stuck at %d tasks)", stalled, current),
		Level:       notify.LevelWarning,
		Timestamp:   time.Now(),
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to send stall alert")
	}
	return true
}
