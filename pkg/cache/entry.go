package cache

import (
	"net/http"
	"time"
)

// CacheEntry is a stored GET response. Entries outlive their freshness
// window so that a stale entry can still be revalidated with a conditional
// request, which costs no quota when the platform answers 304.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified for conditional requests (If-Modified-Since)
	LastModified time.Time `json:"last_modified,omitzero"`

	// Expires ends the freshness window (Cache-Control max-age or Expires)
	Expires time.Time `json:"expires"`

	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	CachedAt   time.Time   `json:"cached_at"`

	// Revalidations counts the 304 answers that refreshed this entry.
	Revalidations int `json:"revalidations"`
}

// IsExpired returns true if the entry is stale now.
func (e *CacheEntry) IsExpired() bool {
	return e.StaleAt(time.Now())
}

// StaleAt returns true if the entry is stale at now.
func (e *CacheEntry) StaleAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until the entry becomes stale, 0 if it already is.
func (e *CacheEntry) TTL() time.Duration {
	return max(time.Until(e.Expires), 0)
}

// HasValidator reports whether the entry can be revalidated.
func (e *CacheEntry) HasValidator() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}

// Age returns how long ago the response was stored.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return max(now.Sub(e.CachedAt), 0)
}
