package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/notify"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
)

func (d *Dispatcher) notify(msg notify.Message) {
	// Async notifiers never block and never fail.
	_ = d.notifier.Notify(context.Background(), msg)
}

func (d *Dispatcher) notifyStart(total, workers int) {
	d.notify(notify.Message{
		Title: "Scraper Started",
		Description: fmt.Sprintf("Run %s started with %d tasks",
			d.runID, total),
		Level: notify.LevelInfo,
		Fields: []notify.Field{
			{Name: "Tokens", Value: fmt.Sprintf("%d", d.pool.Size()), Inline: true},
			{Name: "Workers", Value: fmt.Sprintf("%d", workers), Inline: true},
			{Name: "Started", Value: d.startedAt.Format("2006-01-02 15:04:05"), Inline: true},
		},
	})
}

func (d *Dispatcher) notifyProgress(done int64, total int) {
	stats := d.pool.Stats()
	d.notify(notify.Message{
		Title:       "Progress Update",
		Description: fmt.Sprintf("Processed %d/%d (%.1f%%)", done, total, percent(done, total)),
		Level:       notify.LevelInfo,
		Fields: append(d.countFields(),
			notify.Field{Name: "Tokens", Value: fmt.Sprintf("%d available, %d exhausted", stats.Available, stats.Exhausted)},
			notify.Field{Name: "API requests", Value: fmt.Sprintf("%d", stats.TotalRequests), Inline: true},
		),
	})
}

func (d *Dispatcher) notifyExhausted(window time.Duration, stats ratelimit.Stats) {
	done := d.progress.Load()
	d.notify(notify.Message{
		Title: "Rate Limit Hit",
		Description: fmt.Sprintf("All %d tokens exhausted, sleeping for %s",
			stats.Total, window),
		Level: notify.LevelWarning,
		Fields: []notify.Field{
			{Name: "Progress", Value: fmt.Sprintf("%d/%d", done, d.total), Inline: true},
			{Name: "API requests", Value: fmt.Sprintf("%d", stats.TotalRequests), Inline: true},
			{Name: "Resume at", Value: time.Now().Add(window).Format("15:04:05"), Inline: true},
		},
	})
}

func (d *Dispatcher) notifyCompleted(summary Summary) {
	title, level := "Scraper Completed", notify.LevelSuccess
	if summary.Cancelled {
		title, level = "Scraper Cancelled", notify.LevelWarning
	}
	d.notify(notify.Message{
		Title: title,
		Description: fmt.Sprintf("Processed %d/%d tasks in %s",
			summary.Completed, summary.Total, summary.Duration.Round(time.Second)),
		Level: level,
		Fields: append(d.countFields(),
			notify.Field{Name: "Errors", Value: fmt.Sprintf("%d", summary.Errors), Inline: true},
			notify.Field{Name: "Recoveries", Value: fmt.Sprintf("%d", summary.Recoveries), Inline: true},
			notify.Field{Name: "API requests", Value: fmt.Sprintf("%d", summary.TotalRequests), Inline: true},
		),
	})
}

// countFields renders the outcome counts collected so far.
func (d *Dispatcher) countFields() []notify.Field {
	d.mu.Lock()
	defer d.mu.Unlock()

	parts := make([]string, 0, len(client.Kinds))
	for _, kind := range client.Kinds {
		if n := d.counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", kind, n))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return []notify.Field{{Name: "Outcomes", Value: strings.Join(parts, ", ")}}
}

func percent(done int64, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
