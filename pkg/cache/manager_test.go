package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client on localhost.
// Tests are skipped when no Redis is reachable; see manager_integration_test.go
// for the testcontainers-based variant.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // separate DB for tests
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

func repoKey(t *testing.T, rawURL string) CacheKey {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", rawURL, err)
	}
	return KeyFromURL(u)
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{0, DefaultRetention},
		{-time.Minute, DefaultRetention},
		{30 * time.Minute, 30 * time.Minute},
	}
	for _, tt := range tests {
		m := NewManager(client, tt.retention)
		if m.retention != tt.want {
			t.Errorf("NewManager(%v).retention = %v, want %v", tt.retention, m.retention, tt.want)
		}
	}
}

func TestNewManager_NilClient(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewManager(nil) did not panic")
		}
	}()
	NewManager(nil, time.Hour)
}

func TestManager_RoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := repoKey(t, "https://api.github.com/repos/octocat/hello-world")

	entry := &CacheEntry{
		Data:         []byte(`{"full_name":"octocat/hello-world","stargazers_count":80}`),
		ETag:         `W/"7d1b"`,
		Expires:      time.Now().Add(time.Minute),
		LastModified: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		StatusCode:   http.StatusOK,
		Headers:      http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		CachedAt:     time.Now(),
	}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %s, want %s", got.Data, entry.Data)
	}
	if got.ETag != entry.ETag {
		t.Errorf("ETag = %q, want %q", got.ETag, entry.ETag)
	}
	if !got.LastModified.Equal(entry.LastModified) {
		t.Errorf("LastModified = %v, want %v", got.LastModified, entry.LastModified)
	}
	if got.Headers.Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got.Headers.Get("Content-Type"))
	}
	if got.IsExpired() {
		t.Error("fresh entry reported as expired")
	}
}

func TestManager_Get_Miss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	_, err := manager.Get(context.Background(), repoKey(t, "https://api.github.com/repos/octocat/missing"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Get_Corrupted(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := repoKey(t, "https://api.github.com/repos/octocat/broken")

	if err := client.Set(ctx, key.String(), "not json", time.Minute).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_StaleEntries(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	tests := []struct {
		name     string
		entry    *CacheEntry
		wantKept bool
	}{
		{
			name:     "etag validator",
			entry:    &CacheEntry{Data: []byte(`{}`), ETag: `"v1"`},
			wantKept: true,
		},
		{
			name:     "last modified validator",
			entry:    &CacheEntry{Data: []byte(`{}`), LastModified: time.Now().Add(-time.Hour)},
			wantKept: true,
		},
		{
			name:  "no validator",
			entry: &CacheEntry{Data: []byte(`{}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := CacheKey{Endpoint: "/repos/octocat/" + tt.name}
			tt.entry.Expires = time.Now().Add(-time.Hour)
			if err := manager.Set(ctx, key, tt.entry); err != nil {
				t.Fatalf("Set: %v", err)
			}

			got, err := manager.Get(ctx, key)
			if !tt.wantKept {
				if !errors.Is(err, ErrCacheMiss) {
					t.Errorf("Get() error = %v, want ErrCacheMiss", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !got.IsExpired() {
				t.Error("entry should be stale")
			}
			if !ShouldMakeConditionalRequest(got) {
				t.Error("stale entry should allow a conditional request")
			}
		})
	}
}

func TestManager_Retention(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, 30*time.Minute)
	ctx := context.Background()
	key := CacheKey{Endpoint: "/repos/octocat/hello-world/contributors"}

	entry := &CacheEntry{Data: []byte(`[]`), ETag: `"v1"`, Expires: time.Now().Add(time.Minute)}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl < 29*time.Minute || ttl > 30*time.Minute {
		t.Errorf("redis TTL = %v, want about 30m retention", ttl)
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := CacheKey{Endpoint: "/repos/octocat/hello-world/pulls"}

	if err := manager.Set(ctx, key, &CacheEntry{Data: []byte(`[]`), Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}

	// Deleting a missing key is not an error.
	if err := manager.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestManager_UpdateTTL(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := CacheKey{Endpoint: "/repos/octocat/hello-world"}

	entry := &CacheEntry{Data: []byte(`{}`), ETag: `"v1"`, Expires: time.Now().Add(-time.Minute)}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for i := 1; i <= 2; i++ {
		newExpires := time.Now().Add(10 * time.Minute)
		if err := manager.UpdateTTL(ctx, key, newExpires); err != nil {
			t.Fatalf("UpdateTTL #%d: %v", i, err)
		}

		got, err := manager.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := got.Expires.Sub(newExpires); diff < -time.Second || diff > time.Second {
			t.Errorf("Expires = %v, want %v", got.Expires, newExpires)
		}
		if got.Revalidations != i {
			t.Errorf("Revalidations = %d, want %d", got.Revalidations, i)
		}
	}
}

func TestManager_UpdateTTL_Missing(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	err := manager.UpdateTTL(context.Background(), CacheKey{Endpoint: "/repos/octocat/gone"}, time.Now())
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("UpdateTTL() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), CacheKey{Endpoint: "/repos/octocat/x"}, nil); err == nil {
		t.Error("Set(nil) returned no error")
	}
}
