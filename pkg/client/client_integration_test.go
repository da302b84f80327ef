//go:build integration

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/quota-scraper/internal/testutil"
	"github.com/Sternrassler/quota-scraper/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

// testTransport sends every request to server, keeping the path.
type testTransport struct {
	server *httptest.Server
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.server.URL)
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestIntegration_CachedRevalidationFlow(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var requestsMade, conditionalRequests atomic.Int32
	conditional := testutil.NewConditionalHandler(`"etag-1"`, `{"full_name": "octocat/hello-world"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsMade.Add(1)
		if r.Header.Get("If-None-Match") != "" {
			conditionalRequests.Add(1)
		}
		conditional(w, r)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Cache = cache.NewManager(redisClient, time.Hour)
	client, pool := newTestClient(t, []string{"tok-a", "tok-b"}, cfg)
	client.SetHTTPClient(&http.Client{Transport: &testTransport{server: server}})

	ctx := context.Background()

	first := client.Get(ctx, "/repos/octocat/hello-world")
	if first.Kind != KindSuccess || first.FromCache {
		t.Fatalf("request 1 = %s (from cache %v), want a live success", first.Kind, first.FromCache)
	}

	second := client.Get(ctx, "/repos/octocat/hello-world")
	if second.Kind != KindSuccess || !second.FromCache {
		t.Fatalf("request 2 = %s (from cache %v), want a revalidated success", second.Kind, second.FromCache)
	}
	if string(second.Payload) != string(first.Payload) {
		t.Errorf("revalidated payload = %s, want %s", second.Payload, first.Payload)
	}

	if requestsMade.Load() != 2 {
		t.Errorf("requestsMade = %d, want 2", requestsMade.Load())
	}
	if conditionalRequests.Load() != 1 {
		t.Errorf("conditionalRequests = %d, want 1", conditionalRequests.Load())
	}

	key := cache.CacheKey{Host: "api.github.com", Endpoint: "/repos/octocat/hello-world"}
	entry, err := cfg.Cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("Cache lookup failed: %v", err)
	}
	if entry.ETag != `"etag-1"` {
		t.Errorf("Cached ETag = %q, want %q", entry.ETag, `"etag-1"`)
	}

	// Quota headers of both calls reached the pool.
	if got := pool.Stats().TotalRequests; got != 2 {
		t.Errorf("TotalRequests = %d, want 2", got)
	}
}
