// Package testutil provides a scripted GitHub API server for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a single mock API response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGitHub is a configurable mock GitHub API server.
type MockGitHub struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	scripts  map[string][]MockResponse

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	tokens            []string
}

// NewMockGitHub creates and starts a mock server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		handlers: make(map[string]http.HandlerFunc),
		scripts:  make(map[string][]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.tokens = append(mock.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))

		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}

		var scripted *MockResponse
		if script := mock.scripts[r.URL.Path]; len(script) > 0 {
			next := script[0]
			scripted = &next
			// The last scripted response repeats.
			if len(script) > 1 {
				mock.scripts[r.URL.Path] = script[1:]
			}
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case scripted != nil:
			writeResponse(w, *scripted)
		case exists:
			handler(w, r)
		default:
			mock.defaultHandler(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGitHub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.tokens = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGitHub) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.Script(path, resp)
}

// Script serves responses for path in order. Once the script runs out the
// last response is repeated.
func (m *MockGitHub) Script(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append([]MockResponse(nil), responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGitHub) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// Tokens returns the bearer tokens of all requests, in arrival order.
func (m *MockGitHub) Tokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.tokens...)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// defaultHandler answers like a healthy GitHub endpoint.
func (m *MockGitHub) defaultHandler(w http.ResponseWriter, r *http.Request) {
	for key, value := range RateLimitHeaders(4999, time.Now().Add(time.Hour)) {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if r.Header.Get("If-None-Match") != "" {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"default-etag"`)
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

// RateLimitHeaders returns the X-RateLimit-* headers GitHub sends.
func RateLimitHeaders(remaining int, reset time.Time) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     "5000",
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(reset.Unix(), 10),
		"X-RateLimit-Used":      strconv.Itoa(5000 - remaining),
	}
}

func withHeaders(base map[string]string, extra map[string]string) map[string]string {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// NewHealthyResponse creates a 200 OK response with quota headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: withHeaders(RateLimitHeaders(4999, time.Now().Add(time.Hour)), map[string]string{
			"ETag":          `"test-etag-123"`,
			"Cache-Control": "private, max-age=60",
			"Content-Type":  "application/json; charset=utf-8",
		}),
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: withHeaders(RateLimitHeaders(4999, time.Now().Add(time.Hour)), map[string]string{
			"Cache-Control": "private, max-age=60",
		}),
	}
}

// NewRateLimitResponse creates the 403 GitHub sends once the primary quota
// of a token is used up.
func NewRateLimitResponse(reset time.Time) MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message": "API rate limit exceeded for user ID 1."}`,
		Headers: withHeaders(RateLimitHeaders(0, reset), map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		}),
	}
}

// NewSecondaryRateLimitResponse creates a 429 with Retry-After.
func NewSecondaryRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "You have exceeded a secondary rate limit."}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter / time.Second)),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"message": "Service unavailable"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "Not Found"}`,
		Headers: withHeaders(RateLimitHeaders(4998, time.Now().Add(time.Hour)), map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		}),
	}
}

// NewConditionalHandler creates a handler that responds with 304 when the
// request carries etag.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for key, value := range RateLimitHeaders(4999, time.Now().Add(time.Hour)) {
			w.Header().Set(key, value)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "private, max-age=0")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
