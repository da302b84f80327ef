package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Quota is the rate limit information carried by a single response.
type Quota struct {
	// Limit is the window ceiling (X-RateLimit-Limit), 0 if absent.
	Limit int

	// Remaining is the number of calls left (X-RateLimit-Remaining).
	Remaining int

	// ResetAt is when the window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time

	// RetryAfter is the secondary rate limit back-off (Retry-After, seconds).
	RetryAfter time.Duration
}

// ParseQuota extracts rate limit information from response headers.
// The boolean is false when the response carries no quota information,
// which is normal for some endpoints and for non-API responses.
func ParseQuota(headers http.Header) (Quota, bool, error) {
	var q Quota
	found := false

	if retryStr := headers.Get(HeaderRetryAfter); retryStr != "" {
		seconds, err := strconv.Atoi(retryStr)
		if err != nil {
			return Quota{}, false, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
		}
		q.RetryAfter = time.Duration(seconds) * time.Second
		found = true
	}

	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return q, found, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}
	q.Remaining = remain

	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return Quota{}, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		q.ResetAt = time.Unix(resetUnix, 0)
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			q.Limit = limit
		}
	}

	return q, true, nil
}

// UpdateFromHeaders parses the quota headers of a response made with c and
// records them in the pool. A Retry-After header takes the credential out of
// rotation until it elapses. Returns false if the headers carried no quota.
func (p *Pool) UpdateFromHeaders(c *Credential, headers http.Header) (bool, error) {
	q, ok, err := ParseQuota(headers)
	if err != nil || !ok {
		return false, err
	}

	if q.RetryAfter > 0 {
		p.mu.Lock()
		resetAt := p.now().Add(q.RetryAfter)
		p.mu.Unlock()
		p.Update(c, 0, resetAt)
		return true, nil
	}

	if headers.Get(HeaderRemaining) == "" {
		return false, nil
	}

	p.Update(c, q.Remaining, q.ResetAt)
	return true, nil
}
