package cache

import (
	"maps"
	"net/url"
	"slices"
	"strings"
)

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Host is the API host (e.g., "api.github.com")
	Host string

	// Endpoint is the request path (e.g., "/repos/{owner}/{repo}")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"per_page": "100"})
	QueryParams url.Values
}

// KeyFromURL builds a cache key for a request URL.
func KeyFromURL(u *url.URL) CacheKey {
	return CacheKey{
		Host:        u.Host,
		Endpoint:    u.Path,
		QueryParams: u.Query(),
	}
}

// String generates a deterministic cache key string.
// Format: scraper:host:endpoint:query1=val1:query2=val2
//
// Example:
//
//	scraper:api.github.com:repos/octocat/hello-world/issues:page=2:per_page=100
func (k CacheKey) String() string {
	parts := []string{"scraper"}

	if k.Host != "" {
		parts = append(parts, strings.ToLower(k.Host))
	}

	// Add endpoint (normalize path)
	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted by name; repeated values keep request order.
	for _, name := range slices.Sorted(maps.Keys(k.QueryParams)) {
		parts = append(parts, name+"="+strings.Join(k.QueryParams[name], ","))
	}

	return strings.Join(parts, ":")
}
