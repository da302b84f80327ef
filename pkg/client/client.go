// Package client provides the resilient request executor: every call borrows
// a credential from the shared pool, is paced, retried and classified, and
// feeds the quota headers of each response back to the pool.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/cache"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_requests_total",
		Help: "Total executed requests by method and outcome",
	}, []string{"method", "outcome"})

	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_calls_total",
		Help: "Total HTTP calls made by status code",
	}, []string{"status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scraper_request_duration_seconds",
		Help:    "Request duration in seconds including retries, by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_errors_total",
		Help: "Total failed calls by class",
	}, []string{"class"})

	rateLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_rate_limit_hits_total",
		Help: "Total calls rejected by the platform for quota reasons, by credential",
	}, []string{"credential"})
)

// Default endpoints.
const (
	DefaultBaseURL    = "https://api.github.com"
	DefaultGraphQLURL = "https://api.github.com/graphql"
	DefaultUserAgent  = "quota-scraper"
	DefaultAccept     = "application/vnd.github+json"

	// DefaultRateLimitPenalty benches a rejected credential that carried no
	// reset information.
	DefaultRateLimitPenalty = time.Minute
)

// Request describes a single API call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	graphQL bool
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Config holds the client configuration.
type Config struct {
	Retry RetryConfig

	// BaseURL is prepended to relative paths passed to Get.
	BaseURL    string
	GraphQLURL string

	UserAgent string
	Accept    string

	// RateLimitPenalty is how long a rejected credential without a known
	// reset time stays out of rotation.
	RateLimitPenalty time.Duration

	// Cache enables ETag revalidation of GET requests. Optional.
	Cache *cache.Manager

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for the public GitHub API.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryConfig(),
		BaseURL:          DefaultBaseURL,
		GraphQLURL:       DefaultGraphQLURL,
		UserAgent:        DefaultUserAgent,
		Accept:           DefaultAccept,
		RateLimitPenalty: DefaultRateLimitPenalty,
	}
}

// Client executes requests against the API on behalf of many workers.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	pool       *ratelimit.Pool
	cache      *cache.Manager
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// New creates a client drawing credentials from pool.
func New(pool *ratelimit.Pool, cfg Config) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Pacing < 0 {
		return nil, fmt.Errorf("pacing must be >= 0 (got %v)", cfg.Retry.Pacing)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = DefaultGraphQLURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}
	if cfg.RateLimitPenalty <= 0 {
		cfg.RateLimitPenalty = DefaultRateLimitPenalty
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		pool:       pool,
		cache:      cfg.Cache,
		retry:      cfg.Retry,
		config:     cfg,
		logger:     log.With().Str("component", "client").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger replaces the component logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Pool returns the credential pool the client draws from.
func (c *Client) Pool() *ratelimit.Pool {
	return c.pool
}

// Get performs a GET request. Relative paths are resolved against BaseURL.
func (c *Client) Get(ctx context.Context, path string) Outcome {
	return c.Execute(ctx, Request{Method: http.MethodGet, URL: c.resolve(path)})
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Execute runs the retry loop for req and always returns an Outcome.
func (c *Client) Execute(ctx context.Context, req Request) Outcome {
	method := req.method()
	startTime := time.Now()

	out := c.execute(ctx, req)

	requestsTotal.WithLabelValues(method, string(out.Kind)).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())

	if !out.OK() {
		c.logger.Debug().
			Str("url", req.URL).
			Str("outcome", string(out.Kind)).
			Int("status", out.StatusCode).
			Int("attempts", out.Attempts).
			Str("reason", out.Reason).
			Msg("Request finished without success")
	}
	return out
}

func (c *Client) execute(ctx context.Context, req Request) Outcome {
	target, err := url.Parse(req.URL)
	if err != nil {
		return Outcome{Kind: KindClientError, Reason: "invalid url", cause: err}
	}

	// Step 1: cache lookup for GET requests
	var cacheKey cache.CacheKey
	var cached *cache.CacheEntry
	useCache := c.cache != nil && req.method() == http.MethodGet
	if useCache {
		cacheKey = cache.KeyFromURL(target)
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			cached = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", cacheKey.String()).Msg("Cache get error")
		}
		if cached != nil && !cached.IsExpired() {
			return outcomeFromCache(cached, 0, "")
		}
	}

	var last Outcome
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		// Step 2: refuse to call while the pool is exhausted
		if c.pool.IsExhausted() {
			return Outcome{
				Kind:     KindExhausted,
				Reason:   "all credentials exhausted",
				Attempts: attempt - 1,
				cause:    ErrPoolExhausted,
			}
		}

		cred := c.pool.Acquire()

		// Step 3: pacing
		if err := sleep(ctx, c.retry.Pacing); err != nil {
			return cancelled(last, attempt-1, err)
		}

		// Step 4: the call
		resp, body, err := c.roundTrip(ctx, req, cred, cached)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(last, attempt, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			callsTotal.WithLabelValues("network_error").Inc()
			c.logger.Warn().Err(err).
				Str("credential", cred.ID()).
				Int("attempt", attempt).
				Str("error_class", string(ErrorClassNetwork)).
				Msg("Request failed")

			last = Outcome{
				Kind:         KindTransient,
				Reason:       err.Error(),
				Attempts:     attempt,
				CredentialID: cred.ID(),
				cause:        err,
			}
			if attempt < c.retry.MaxAttempts {
				if err := c.backoff(ctx, attempt, ErrorClassNetwork); err != nil {
					return cancelled(last, attempt, err)
				}
			}
			continue
		}

		callsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		if _, err := c.pool.UpdateFromHeaders(cred, resp.Header); err != nil {
			c.logger.Warn().Err(err).Str("credential", cred.ID()).Msg("Failed to update quota from headers")
		}

		out := Outcome{
			StatusCode:   resp.StatusCode,
			Header:       resp.Header,
			Attempts:     attempt,
			CredentialID: cred.ID(),
		}

		// Step 5: classify
		limited, reason := detectRateLimit(resp.StatusCode, resp.Header, body)
		if !limited && req.graphQL && resp.StatusCode < 300 {
			var gqlErr error
			out.Payload, limited, gqlErr = decodeGraphQL(body)
			if gqlErr != nil && !limited {
				out.Kind = KindClientError
				out.Reason = gqlErr.Error()
				out.cause = gqlErr
				errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
				return out
			}
			if limited {
				reason = "graphql rate limited"
			}
		}

		switch {
		case limited:
			c.pool.MarkRateLimited(cred, c.config.RateLimitPenalty)
			rateLimitHitsTotal.WithLabelValues(cred.ID()).Inc()
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()

			out.Kind = KindRateLimited
			out.Reason = reason
			last = out

			if c.pool.IsExhausted() {
				out.Kind = KindExhausted
				out.cause = ErrPoolExhausted
				c.logger.Warn().
					Str("credential", cred.ID()).
					Int("attempt", attempt).
					Msg("Rate limited and no credential left")
				return out
			}

			c.logger.Warn().
				Str("credential", cred.ID()).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Str("reason", reason).
				Msg("Rate limited, rotating credential")
			// Next attempt picks another credential, no backoff.
			continue

		case resp.StatusCode == http.StatusNotModified && cached != nil:
			cache.NotModifiedResponses.Inc()
			c.refreshCache(ctx, cacheKey, cached, resp.Header)
			return outcomeFromCache(cached, attempt, cred.ID())

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out.Kind = KindSuccess
			if !req.graphQL {
				out.Payload = body
			}
			if useCache && resp.StatusCode == http.StatusOK {
				c.storeCache(ctx, cacheKey, resp, body)
			}
			return out

		case resp.StatusCode == http.StatusNotFound:
			out.Kind = KindNotFound
			out.Reason = "resource not found"
			return out
		}

		class := classifyStatus(resp.StatusCode)
		if !shouldRetry(class) {
			errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
			out.Kind = KindClientError
			out.Reason = fmt.Sprintf("unexpected status %s", resp.Status)
			out.Payload = body
			return out
		}

		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("credential", cred.ID()).
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Msg("Transient error")

		out.Kind = KindTransient
		out.Reason = resp.Status
		last = out
		if attempt < c.retry.MaxAttempts {
			if err := c.backoff(ctx, attempt, class); err != nil {
				return cancelled(last, attempt, err)
			}
		}
	}

	// Step 6: ceiling reached
	retryExhaustedTotal.WithLabelValues(string(last.Class())).Inc()
	c.logger.Warn().
		Str("url", req.URL).
		Str("outcome", string(last.Kind)).
		Int("max_attempts", c.retry.MaxAttempts).
		Msg("Retry attempts exhausted")
	if last.cause == nil {
		last.cause = ErrRetryExhausted
	} else {
		last.cause = fmt.Errorf("%w: %w", ErrRetryExhausted, last.cause)
	}
	return last
}

// roundTrip performs one bounded call and reads the whole body.
func (c *Client) roundTrip(ctx context.Context, req Request, cred *ratelimit.Credential, cached *cache.CacheEntry) (*http.Response, []byte, error) {
	if c.retry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token())
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", c.config.Accept)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if cached != nil && cache.ShouldMakeConditionalRequest(cached) {
		cache.AddConditionalHeaders(httpReq, cached)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("url", req.URL).
			Str("etag", cached.ETag).
			Msg("Making conditional request")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, data, nil
}

func (c *Client) storeCache(ctx context.Context, key cache.CacheKey, resp *http.Response, body []byte) {
	entry := cache.ResponseToEntry(resp, body)
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("key", key.String()).
		Dur("ttl", entry.TTL()).
		Msg("Cached response")
}

func (c *Client) refreshCache(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry, header http.Header) {
	expires := cache.ParseExpires(header)
	if err := c.cache.UpdateTTL(ctx, key, expires); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		return
	}
	entry.Expires = expires
}

func outcomeFromCache(entry *cache.CacheEntry, attempts int, credentialID string) Outcome {
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return Outcome{
		Kind:         KindSuccess,
		StatusCode:   status,
		Payload:      entry.Data,
		Header:       entry.Headers,
		Attempts:     attempts,
		CredentialID: credentialID,
		FromCache:    true,
	}
}

// cancelled turns the last observed outcome into a terminal transient one.
func cancelled(last Outcome, attempts int, err error) Outcome {
	last.Kind = KindTransient
	last.Attempts = attempts
	last.Reason = err.Error()
	last.cause = err
	return last
}
