// Package client provides the song search HTTP client with quota tracking,
// response caching, and retry handling. A Client implements
// pagination.PageFetcher[Song], so it can drive a pagination.Loader directly.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/cache"
	"github.com/Sternrassler/songlist-pager/pkg/logging"
	"github.com/Sternrassler/songlist-pager/pkg/pagination"
	"github.com/Sternrassler/songlist-pager/pkg/ratelimit"
)

// DefaultBaseURL is the public search API.
const DefaultBaseURL = "https://itunes.apple.com"

var _ pagination.PageFetcher[Song] = (*Client)(nil)

// Client is the song search client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	retrier     retrier
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis client for caching and quota state. Nil disables both.
	Redis *redis.Client

	// User-Agent header sent with every request
	UserAgent string

	// BaseURL of the search API (no trailing slash)
	BaseURL string

	// Search parameters sent with every query
	Media    string
	Country  string
	Lang     string
	PageSize int

	// RequestsPerMinute is the shared request budget
	RequestsPerMinute int

	// RequestTimeout bounds a single HTTP attempt
	RequestTimeout time.Duration

	// Retry overrides the per-class retry configuration
	Retry RetryPolicy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:             redis,
		UserAgent:         userAgent,
		BaseURL:           DefaultBaseURL,
		Media:             "music",
		Country:           "HK",
		Lang:              "zh_hk",
		PageSize:          100,
		RequestsPerMinute: ratelimit.DefaultRequestsPerMinute,
		RequestTimeout:    30 * time.Second,
	}
}

// New creates a new search client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if cfg.PageSize < 1 || cfg.PageSize > 200 {
		return nil, fmt.Errorf("page_size must be between 1 and 200 (got %d)", cfg.PageSize)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	logger := logging.NewLogger("search-client")

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		retrier: newRetrier(cfg.Retry, logger),
		config:  cfg,
		logger:  logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, cfg.RequestsPerMinute, logger)
		c.cache = cache.NewManager(cfg.Redis)
	} else {
		logger.Warn().Msg("No Redis configured - response cache and quota tracking disabled")
	}

	return c, nil
}

// FetchPage returns page of the results for query.
func (c *Client) FetchPage(ctx context.Context, page int, query string) ([]Song, error) {
	return c.Search(ctx, query, page)
}

// Search returns one page of songs matching term. An empty term yields no
// songs without contacting the API.
func (c *Client) Search(ctx context.Context, term string, page int) ([]Song, error) {
	if page < 0 {
		return nil, fmt.Errorf("invalid page %d", page)
	}

	term = strings.TrimSpace(term)
	if term == "" {
		return []Song{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL(term, page), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    resp.Status,
		}
	}

	var body SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	c.logger.Debug().
		Str(logging.FieldQuery, term).
		Int(logging.FieldPage, page).
		Int(logging.FieldItems, len(body.Results)).
		Msg("Search page received")

	if body.Results == nil {
		return []Song{}, nil
	}
	return body.Results, nil
}

// searchURL builds the request URL for page of term.
func (c *Client) searchURL(term string, page int) string {
	params := url.Values{}
	params.Set("term", term)
	params.Set("limit", strconv.Itoa(c.config.PageSize))
	params.Set("offset", strconv.Itoa(page*c.config.PageSize))
	if c.config.Media != "" {
		params.Set("media", c.config.Media)
	}
	if c.config.Country != "" {
		params.Set("country", c.config.Country)
	}
	if c.config.Lang != "" {
		params.Set("lang", c.config.Lang)
	}
	return strings.TrimRight(c.config.BaseURL, "/") + "/search?" + params.Encode()
}

// Do performs an HTTP request with quota tracking, caching, and retries.
// A fresh cached response is returned without contacting the API. A stale
// one with a validator turns the request into a conditional request.
// Non-retryable 4xx responses are returned to the caller as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		searchRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Cache
	cacheKey := cache.NewCacheKey(req.URL)
	var cachedEntry *cache.CacheEntry
	if c.cache != nil {
		entry, fresh, err := c.cache.Lookup(ctx, cacheKey)
		switch {
		case err == nil && fresh:
			cache.CacheHits.Inc()
			searchRequestsTotal.WithLabelValues("cache_hit").Inc()
			c.logger.Debug().Str(logging.FieldCacheKey, cacheKey.String()).Msg("Serving search page from cache")
			return cache.EntryToResponse(entry), nil
		case err == nil:
			cache.CacheMisses.Inc()
			cachedEntry = entry
		case errors.Is(err, cache.ErrCacheMiss):
			cache.CacheMisses.Inc()
		default:
			c.logger.Warn().Err(err).Str(logging.FieldCacheKey, cacheKey.String()).Msg("Cache lookup failed")
		}
	}

	// Step 2: Quota
	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			c.logger.Error().Err(err).Msg("Rate limit check failed")
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			c.logger.Warn().Str("endpoint", endpoint).Msg("Request blocked by rate limiter")
			searchRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	// Step 3: Conditional request for a stale entry
	if cachedEntry != nil && cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	// Step 4: Execute with retries
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing search request")

	var resp *http.Response
	retryErr := c.retrier.do(ctx, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req.Clone(ctx))
		if reqErr != nil {
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			searchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			searchRequestsTotal.WithLabelValues("network_error").Inc()
			return reqErr
		}

		c.trackQuota(ctx, resp)

		if resp.StatusCode >= 400 {
			errClass := classifyStatus(resp.StatusCode)
			searchErrorsTotal.WithLabelValues(string(errClass)).Inc()
			searchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int(logging.FieldStatus, resp.StatusCode).
				Str(logging.FieldErrorClass, string(errClass)).
				Msg("Search request error")

			if shouldRetry(errClass) {
				searchErr := &SearchError{
					StatusCode: resp.StatusCode,
					ErrorClass: errClass,
					Message:    resp.Status,
					RetryAfter: retryAfter(resp.Header),
				}
				resp.Body.Close()
				resp = nil
				return searchErr
			}
			return nil
		}

		searchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		return nil
	}, classifyErr)

	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}

	// Step 5: 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		resp.Body.Close()
		cache.ConditionalRequests.Inc()
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")

		newExpires := cache.ExpiresFromHeaders(resp.Header, time.Now())
		if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 6: Fill cache
	if resp.StatusCode == http.StatusOK && c.cache != nil {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if entry.TTL() > 0 {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				c.logger.Debug().
					Str(logging.FieldCacheKey, cacheKey.String()).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	return resp, nil
}

// trackQuota counts a response against the quota and records back-off requests.
func (c *Client) trackQuota(ctx context.Context, resp *http.Response) {
	if c.rateLimiter == nil {
		return
	}
	if err := c.rateLimiter.RecordRequest(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record search request")
	}
	if err := c.rateLimiter.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update quota from response")
	}
}

// retryAfter parses a delay-seconds Retry-After header.
func retryAfter(headers http.Header) time.Duration {
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil without Redis.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// GetRateLimiter returns the quota tracker, nil without Redis.
func (c *Client) GetRateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
