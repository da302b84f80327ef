// Package notify delivers run notifications (start, progress, exhaustion,
// stalls, completion). Delivery is best effort: failures are logged by the
// caller and never affect a run.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Field is a name/value pair attached to a message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a single notification.
type Message struct {
	Title       string
	Description string
	Level       Level
	Fields      []Field
	Timestamp   time.Time
}

// Notifier sends messages to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// LogNotifier writes messages to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every message.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	event := n.logger.Info()
	switch msg.Level {
	case LevelWarning:
		event = n.logger.Warn()
	case LevelError:
		event = n.logger.Error()
	}

	fields := make(map[string]any, len(msg.Fields))
	for _, f := range msg.Fields {
		fields[f.Name] = f.Value
	}
	event.Fields(fields).
		Str("title", msg.Title).
		Msg(msg.Description)
	return nil
}

// Multi fans a message out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultSendTimeout bounds a single asynchronous delivery.
const DefaultSendTimeout = 10 * time.Second

// Async delivers messages in the background so that callers never block on
// the external channel. Failures are logged and swallowed.
type Async struct {
	inner   Notifier
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps inner.
func NewAsync(inner Notifier, logger zerolog.Logger) *Async {
	return &Async{
		inner:   inner,
		timeout: DefaultSendTimeout,
		logger:  logger,
	}
}

// Notify starts the delivery and returns immediately. The delivery is not
// bound to ctx so that a cancelled run can still report its completion.
func (a *Async) Notify(_ context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.inner.Notify(ctx, msg); err != nil {
			a.logger.Warn().Err(err).Str("title", msg.Title).Msg("Failed to send notification")
		}
	}()
	return nil
}

// Wait blocks until all pending deliveries finished or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
