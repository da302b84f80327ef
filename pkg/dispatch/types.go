package dispatch

import (
	"context"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/Sternrassler/quota-scraper/pkg/status"
)

// Task is one unit of work, typically a repository.
type Task struct {
	ID     string
	Target string

	// Meta carries input columns. A processor may add entries; the task is
	// owned by one worker at a time and the sink sees the annotated map.
	Meta map[string]string
}

// Result is the final outcome of a task.
type Result struct {
	Task     Task
	Outcome  client.Outcome
	Err      error
	Duration time.Duration

	// Recovered is true when the task was re-executed after a recovery sleep.
	Recovered bool
}

// Processor performs a task, usually through one or more client calls, and
// reports the outcome that decides the task's fate.
type Processor func(ctx context.Context, task Task) (client.Outcome, error)

// Sink receives every result as soon as it is recorded. Calls are serialized.
type Sink interface {
	Write(ctx context.Context, r Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, r Result) error {
	return f(ctx, r)
}

// StatusPublisher stores run snapshots for external observers.
type StatusPublisher interface {
	Publish(ctx context.Context, snap status.Snapshot) error
}

// Summary describes a finished (or cancelled) run.
type Summary struct {
	RunID     string
	Total     int
	Completed int
	Counts    map[client.Kind]int

	// Errors counts tasks whose processor returned an error or panicked.
	Errors     int
	Panics     int
	SinkErrors int

	Recoveries    int
	TotalRequests int
	Duration      time.Duration
	Cancelled     bool
	Pool          ratelimit.Stats
}

// Succeeded returns the number of successful tasks.
func (s Summary) Succeeded() int {
	return s.Counts[client.KindSuccess]
}

func countsByName(counts map[client.Kind]int) map[string]int {
	out := make(map[string]int, len(counts))
	for kind, n := range counts {
		out[string(kind)] = n
	}
	return out
}
