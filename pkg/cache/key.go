package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every cache key written by this package.
const KeyPrefix = "search"

// CacheKey identifies one cached search response.
type CacheKey struct {
	// Endpoint is the API path (e.g. "/search")
	Endpoint string

	// QueryParams are the request query parameters (term, offset, limit, ...)
	QueryParams url.Values
}

// NewCacheKey builds a key from a request URL.
func NewCacheKey(u *url.URL) CacheKey {
	return CacheKey{
		Endpoint:    u.Path,
		QueryParams: u.Query(),
	}
}

// String generates a deterministic cache key string.
// Format: search:endpoint:query1=val1:query2=val2
//
// Example:
//
//	search:search:country=HK:limit=100:media=music:offset=0:term=jay
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			// Search terms are user input; escape so ':' cannot forge a segment.
			parts = append(parts, fmt.Sprintf("%s=%s", key, url.QueryEscape(k.QueryParams.Get(key))))
		}
	}

	return strings.Join(parts, ":")
}
