package cache

import (
	"net/http"
	"time"
)

// CacheEntry is one search results page as returned by the API, stored
// verbatim so a cache hit replays the original response.
type CacheEntry struct {
	// Data is the JSON body holding resultCount and results.
	Data []byte `json:"data"`

	// ETag validates the page on revalidation via If-None-Match.
	ETag string `json:"etag"`

	// Expires is when the page stops being served without asking the API.
	Expires time.Time `json:"expires"`

	// LastModified is the fallback validator (If-Modified-Since). Zero when
	// the API sent none.
	LastModified time.Time `json:"last_modified"`

	// StatusCode is always 200 for stored pages; kept for replay.
	StatusCode int `json:"status_code"`

	Headers  http.Header `json:"headers"`
	CachedAt time.Time   `json:"cached_at"`
}

// IsExpired reports whether the page must be revalidated before use.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL is how long the page is still served as fresh, 0 once expired.
func (e *CacheEntry) TTL() time.Duration {
	return max(time.Until(e.Expires), 0)
}

// HasValidator reports whether a stale copy can be revalidated with a
// conditional request instead of being fetched again.
func (e *CacheEntry) HasValidator() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}

// storageTTL is the Redis expiry for the page. Pages with a validator outlive
// their freshness by window so the next fetch can be conditional.
func (e *CacheEntry) storageTTL(window time.Duration) time.Duration {
	ttl := e.TTL()
	if ttl <= 0 {
		return 0
	}
	if e.HasValidator() {
		ttl += window
	}
	return ttl
}
