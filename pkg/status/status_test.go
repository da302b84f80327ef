package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client on localhost.
// Tests are skipped when no Redis is reachable; see status_integration_test.go
// for the testcontainers-based variant.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestSnapshot_Percent(t *testing.T) {
	tests := []struct {
		snap Snapshot
		want float64
	}{
		{Snapshot{Total: 0, Completed: 0}, 0},
		{Snapshot{Total: 200, Completed: 50}, 25},
		{Snapshot{Total: 3, Completed: 3}, 100},
	}
	for _, tt := range tests {
		if got := tt.snap.Percent(); got != tt.want {
			t.Errorf("Percent() = %v, want %v", got, tt.want)
		}
	}
}

func TestNewStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewStore should panic with nil redis client")
		}
	}()
	NewStore(nil, time.Hour)
}

func TestStore_PublishLatest(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client, time.Hour)
	ctx := context.Background()

	if _, err := store.Latest(ctx); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("Latest() on empty store error = %v, want ErrNoStatus", err)
	}

	first := Snapshot{RunID: "run-1", State: StateFinished, Total: 10, Completed: 10}
	second := Snapshot{
		RunID:     "run-2",
		State:     StateRunning,
		Total:     100,
		Completed: 42,
		Counts:    map[string]int{"success": 40, "not_found": 2},
		Pool: ratelimit.Stats{
			Total:     2,
			Available: 1,
			Exhausted: 1,
			Credentials: []ratelimit.CredentialStats{
				{ID: "token#1", Remaining: 4000, Available: true},
				{ID: "token#2", Remaining: 0},
			},
		},
	}

	if err := store.Publish(ctx, first); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := store.Publish(ctx, second); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.RunID != "run-2" || latest.Completed != 42 {
		t.Errorf("Latest() = %+v", latest)
	}
	if latest.Counts["success"] != 40 {
		t.Errorf("Counts = %v", latest.Counts)
	}
	if len(latest.Pool.Credentials) != 2 || latest.Pool.Credentials[1].ID != "token#2" {
		t.Errorf("Pool = %+v", latest.Pool)
	}
	if latest.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on publish")
	}

	older, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if older.State != StateFinished {
		t.Errorf("State = %q, want %q", older.State, StateFinished)
	}

	ttl, err := client.TTL(ctx, store.runKey("run-2")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want within 1h", ttl)
	}
}

func TestStore_PublishRequiresRunID(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	store := NewStore(client, 0)
	if err := store.Publish(context.Background(), Snapshot{}); err == nil {
		t.Error("Publish() without run id should fail")
	}
	if store.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", store.ttl, DefaultTTL)
	}
}
