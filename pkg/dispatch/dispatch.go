// Package dispatch runs a fixed set of worker goroutines over a task queue.
// Workers share one credential pool; when the pool runs dry the worker that
// noticed it drives the coordinated recovery sleep and re-executes its task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/notify"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/Sternrassler/quota-scraper/pkg/status"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for task processing.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_tasks_total",
		Help: "Total processed tasks by final outcome",
	}, []string{"outcome"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_task_duration_seconds",
		Help:    "Task duration in seconds including recovery sleeps",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	taskPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_task_panics_total",
		Help: "Total panics recovered from task processors",
	})

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_workers_active",
		Help: "Number of running workers",
	})

	progressGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_progress",
		Help: "Number of tasks completed in the current run",
	})
)

// ErrNoCredentials is returned when the dispatcher has no usable credential.
// It is the only error that prevents a run from starting.
var ErrNoCredentials = errors.New("no usable credentials")

// statusTimeout bounds a single status publish.
const statusTimeout = 5 * time.Second

// Config holds the dispatcher configuration.
type Config struct {
	// MaxWorkers caps the worker count. The effective count is also capped
	// by the pool size and the number of tasks.
	MaxWorkers int

	// RecoveryWindow is how long the pool sleeps once every credential is spent.
	RecoveryWindow time.Duration

	// RetryAfterRecovery re-executes a task whose outcome was exhausted once
	// the pool recovered. Only the final outcome is recorded.
	RetryAfterRecovery bool

	// ProgressEvery sends a progress notification and status snapshot every
	// N completed tasks. Zero disables both.
	ProgressEvery int

	// RunID identifies the run in logs and status snapshots.
	// Generated when empty.
	RunID string

	Sink     Sink
	Notifier notify.Notifier
	Status   StatusPublisher
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:         20,
		RecoveryWindow:     time.Hour,
		RetryAfterRecovery: true,
		ProgressEvery:      50,
	}
}

// Dispatcher distributes tasks across workers.
type Dispatcher struct {
	pool     *ratelimit.Pool
	process  Processor
	config   Config
	notifier notify.Notifier
	async    *notify.Async
	logger   zerolog.Logger

	runID     string
	startedAt time.Time
	total     int
	progress  atomic.Int64

	mu         sync.Mutex
	results    []Result
	counts     map[client.Kind]int
	errors     int
	panics     int
	sinkErrors int
	recoveries int
}

// New creates a dispatcher.
func New(pool *ratelimit.Pool, process Processor, cfg Config) (*Dispatcher, error) {
	if pool == nil || pool.Size() == 0 {
		return nil, ErrNoCredentials
	}
	if process == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("max_workers must be >= 1 (got %d)", cfg.MaxWorkers)
	}
	if cfg.RecoveryWindow <= 0 {
		return nil, fmt.Errorf("recovery_window must be > 0 (got %v)", cfg.RecoveryWindow)
	}
	if cfg.ProgressEvery < 0 {
		return nil, fmt.Errorf("progress_every must be >= 0 (got %d)", cfg.ProgressEvery)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	inner := cfg.Notifier
	if inner == nil {
		inner = notify.Nop{}
	}
	logger := log.With().Str("component", "dispatch").Str("run_id", cfg.RunID).Logger()
	async := notify.NewAsync(inner, logger)

	return &Dispatcher{
		pool:     pool,
		process:  process,
		config:   cfg,
		notifier: async,
		async:    async,
		logger:   logger,
		runID:    cfg.RunID,
		counts:   make(map[client.Kind]int),
	}, nil
}

// SetLogger replaces the component logger.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// RunID returns the identifier of the run.
func (d *Dispatcher) RunID() string {
	return d.runID
}

// Progress returns the number of tasks completed so far.
// Safe to call from any goroutine while Run is executing.
func (d *Dispatcher) Progress() int64 {
	return d.progress.Load()
}

// Results returns a copy of the results recorded so far.
func (d *Dispatcher) Results() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Result, len(d.results))
	copy(out, d.results)
	return out
}

// Run processes every task and returns a summary over what completed.
// When ctx is cancelled before every task completed, workers stop pulling
// tasks and Run returns the partial summary together with ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, tasks []Task) (Summary, error) {
	d.reset(len(tasks))

	workers := min(d.config.MaxWorkers, d.pool.Size(), len(tasks))
	if workers == 0 {
		d.logger.Info().Msg("No tasks to process")
		return d.summary(ctx), nil
	}

	queue := make(chan Task, len(tasks))
	for _, task := range tasks {
		queue <- task
	}
	close(queue)

	d.pool.SetSleepHook(func(window time.Duration, stats ratelimit.Stats) {
		d.notifyExhausted(window, stats)
		d.publishStatus(ctx, status.StateSleeping)
	})
	defer d.pool.SetSleepHook(nil)

	d.logger.Info().
		Int("tasks", len(tasks)).
		Int("workers", workers).
		Int("credentials", d.pool.Size()).
		Msg("Run started")
	d.notifyStart(len(tasks), workers)
	d.publishStatus(ctx, status.StateRunning)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id, queue)
		}(i)
	}
	wg.Wait()

	summary := d.summary(ctx)
	d.notifyCompleted(summary)

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notify.DefaultSendTimeout)
	defer cancel()
	if err := d.async.Wait(waitCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Pending notifications not delivered")
	}

	finalState := status.StateFinished
	if summary.Cancelled {
		finalState = status.StateCancelled
	}
	d.publishStatus(ctx, finalState)

	d.logger.Info().
		Int("completed", summary.Completed).
		Int("total", summary.Total).
		Int("errors", summary.Errors).
		Int("recoveries", summary.Recoveries).
		Dur("duration", summary.Duration).
		Bool("cancelled", summary.Cancelled).
		Msg("Run finished")

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (d *Dispatcher) reset(total int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.total = total
	d.startedAt = time.Now()
	d.results = make([]Result, 0, total)
	d.counts = make(map[client.Kind]int)
	d.errors, d.panics, d.sinkErrors, d.recoveries = 0, 0, 0, 0
	d.progress.Store(0)
	progressGauge.Set(0)
}

func (d *Dispatcher) worker(ctx context.Context, id int, queue <-chan Task) {
	workersActive.Inc()
	defer workersActive.Dec()

	logger := d.logger.With().Int("worker", id).Logger()
	logger.Debug().Msg("Worker started")

	for task := range queue {
		if ctx.Err() != nil {
			logger.Debug().Msg("Worker stopped, context done")
			return
		}
		d.handle(ctx, logger, task)
	}
	logger.Debug().Msg("Worker finished, queue empty")
}

// handle executes a task, recovers the pool if the task found it exhausted,
// and records the final result.
func (d *Dispatcher) handle(ctx context.Context, logger zerolog.Logger, task Task) {
	start := time.Now()
	outcome, err := d.safeProcess(ctx, logger, task)

	retried := false
	if outcome.Kind == client.KindExhausted {
		if d.awaitRecovery(ctx, logger) == nil && d.config.RetryAfterRecovery {
			retried = true
			outcome, err = d.safeProcess(ctx, logger, task)
			if outcome.Kind == client.KindExhausted {
				// Still dry: sleep again before pulling the next task.
				_ = d.awaitRecovery(ctx, logger)
			}
		}
	}

	d.record(ctx, logger, Result{
		Task:      task,
		Outcome:   outcome,
		Err:       err,
		Duration:  time.Since(start),
		Recovered: retried,
	})
}

// safeProcess runs the processor and converts a panic into an error.
func (d *Dispatcher) safeProcess(ctx context.Context, logger zerolog.Logger, task Task) (outcome client.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			taskPanicsTotal.Inc()
			d.mu.Lock()
			d.panics++
			d.mu.Unlock()

			logger.Error().
				Str("task", task.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task processor panicked")
			outcome = client.Outcome{}
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return d.process(ctx, task)
}

// awaitRecovery waits for the pool to recover. Returns ctx.Err() if the wait was
// aborted.
func (d *Dispatcher) awaitRecovery(ctx context.Context, logger zerolog.Logger) error {
	slept, err := d.pool.EnterSleepIfNeeded(ctx, d.config.RecoveryWindow)
	if err != nil {
		logger.Warn().Err(err).Msg("Recovery aborted")
		return err
	}
	if slept {
		d.mu.Lock()
		d.recoveries++
		d.mu.Unlock()
		d.publishStatus(ctx, status.StateRunning)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, logger zerolog.Logger, r Result) {
	d.mu.Lock()
	d.results = append(d.results, r)
	if r.Outcome.Kind != "" {
		d.counts[r.Outcome.Kind]++
	}
	if r.Err != nil {
		d.errors++
	}
	if d.config.Sink != nil {
		if err := d.config.Sink.Write(ctx, r); err != nil {
			d.sinkErrors++
			logger.Error().Err(err).Str("task", r.Task.ID).Msg("Failed to write result")
		}
	}
	d.mu.Unlock()

	label := string(r.Outcome.Kind)
	if label == "" {
		label = "error"
	}
	tasksTotal.WithLabelValues(label).Inc()
	taskDuration.Observe(r.Duration.Seconds())

	done := d.progress.Add(1)
	progressGauge.Set(float64(done))

	event := logger.Debug()
	if r.Err != nil {
		event = logger.Warn().Err(r.Err)
	}
	event.
		Str("task", r.Task.ID).
		Str("outcome", label).
		Int("attempts", r.Outcome.Attempts).
		Dur("duration", r.Duration).
		Msg("Task completed")

	every := int64(d.config.ProgressEvery)
	if every > 0 && done%every == 0 && done < int64(d.total) {
		d.logger.Info().
			Int64("completed", done).
			Int("total", d.total).
			Msg("Progress")
		d.notifyProgress(done, d.total)
		d.publishStatus(ctx, status.StateRunning)
	}
}

func (d *Dispatcher) summary(ctx context.Context) Summary {
	stats := d.pool.Stats()

	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[client.Kind]int, len(d.counts))
	for kind, n := range d.counts {
		counts[kind] = n
	}
	return Summary{
		RunID:         d.runID,
		Total:         d.total,
		Completed:     len(d.results),
		Counts:        counts,
		Errors:        d.errors,
		Panics:        d.panics,
		SinkErrors:    d.sinkErrors,
		Recoveries:    d.recoveries,
		TotalRequests: stats.TotalRequests,
		Duration:      time.Since(d.startedAt),
		Cancelled:     ctx.Err() != nil && len(d.results) < d.total,
		Pool:          stats,
	}
}

// publishStatus stores a snapshot of the run. Failures are logged only.
func (d *Dispatcher) publishStatus(ctx context.Context, state string) {
	if d.config.Status == nil {
		return
	}

	now := time.Now()
	snap := status.Snapshot{
		RunID:     d.runID,
		State:     state,
		UpdatedAt: now,
		Completed: d.progress.Load(),
		Pool:      d.pool.Stats(),
	}
	d.mu.Lock()
	snap.StartedAt = d.startedAt
	snap.Total = d.total
	snap.Counts = countsByName(d.counts)
	snap.Errors = d.errors
	d.mu.Unlock()

	if state == status.StateFinished || state == status.StateCancelled {
		snap.FinishedAt = now
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()
	if err := d.config.Status.Publish(pubCtx, snap); err != nil {
		d.logger.Warn().Err(err).Str("state", state).Msg("Failed to publish run status")
	}
}
