package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/notify"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestWatchdog(t *testing.T, progress ProgressReader, notifier notify.Notifier, threshold int) *Watchdog {
	t.Helper()

	w, err := New(progress, notifier, Config{Interval: time.Millisecond, Threshold: threshold})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.SetLogger(zerolog.Nop())
	return w
}

func TestNew_Validation(t *testing.T) {
	progress := ProgressFunc(func() int64 { return 0 })

	tests := []struct {
		name      string
		progress  ProgressReader
		config    Config
		expectErr bool
	}{
		{"defaults", progress, DefaultConfig(), false},
		{"nil progress", nil, DefaultConfig(), true},
		{"zero interval", progress, Config{Interval: 0, Threshold: 1}, true},
		{"zero threshold", progress, Config{Interval: time.Second, Threshold: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.progress, nil, tt.config)
			if (err != nil) != tt.expectErr {
				t.Errorf("New() error = %v, expectErr %v", err, tt.expectErr)
			}
		})
	}
}

func TestCheck_AlertsAfterThreshold(t *testing.T) {
	notifier := &recordingNotifier{}
	w := newTestWatchdog(t, ProgressFunc(func() int64 { return 7 }), notifier, 3)
	w.last = 7

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		if w.check(ctx) {
			t.Fatalf("check() #%d alerted before threshold", i)
		}
	}
	if !w.check(ctx) {
		t.Fatal("check() #3 did not alert at threshold")
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
	if w.streak != 0 {
		t.Errorf("streak = %d, want 0 after alert", w.streak)
	}
}

func TestCheck_StreakResetsOnProgress(t *testing.T) {
	var progress atomic.Int64
	notifier := &recordingNotifier{}
	w := newTestWatchdog(t, ProgressFunc(progress.Load), notifier, 3)

	ctx := context.Background()
	w.check(ctx)
	w.check(ctx)
	progress.Add(1)
	w.check(ctx)

	if w.streak != 0 {
		t.Errorf("streak = %d, want 0", w.streak)
	}
	if w.last != 1 {
		t.Errorf("last = %d, want 1", w.last)
	}
	if notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", notifier.count())
	}
}

func TestCheck_RepeatedStalls(t *testing.T) {
	notifier := &recordingNotifier{}
	w := newTestWatchdog(t, ProgressFunc(func() int64 { return 0 }), notifier, 2)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		w.check(ctx)
	}
	if w.Alerts() != 3 {
		t.Errorf("Alerts() = %d, want 3", w.Alerts())
	}
	if notifier.count() != 3 {
		t.Errorf("notifications = %d, want 3", notifier.count())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	notifier := &recordingNotifier{}
	w := newTestWatchdog(t, ProgressFunc(func() int64 { return 0 }), notifier, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if notifier.count() == 0 {
		t.Error("no stall alert raised for a stuck counter")
	}
}

func TestRun_NoAlertWhileProgressing(t *testing.T) {
	var progress atomic.Int64
	notifier := &recordingNotifier{}
	w := newTestWatchdog(t, ProgressFunc(func() int64 { return progress.Add(1) }), notifier, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", notifier.count())
	}
}
