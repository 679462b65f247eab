package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/logging"
)

// Prometheus metrics for quota tracking.
var (
	searchRequestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "search_requests_remaining",
		Help: "Number of search requests remaining in the current quota window",
	})

	searchRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_rate_limit_blocks_total",
		Help: "Total number of search requests blocked because the quota is exhausted",
	})

	searchRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_rate_limit_throttles_total",
		Help: "Total number of search requests throttled near the end of the quota",
	})
)

const (
	window = time.Minute

	// DefaultBackoff applies when a 403/429 carries no usable Retry-After.
	DefaultBackoff = 60 * time.Second

	// ThrottleDelay is slept before a request when the quota runs low.
	ThrottleDelay = 1 * time.Second
)

// Tracker counts search requests per minute in Redis and gates new ones.
type Tracker struct {
	redis  *redis.Client
	limit  int
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker allowing limit requests per minute.
// A non-positive limit uses DefaultRequestsPerMinute.
func NewTracker(redisClient *redis.Client, limit int, logger zerolog.Logger) *Tracker {
	if limit <= 0 {
		limit = DefaultRequestsPerMinute
	}
	return &Tracker{
		redis:  redisClient,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

// Limit returns the per-minute request budget.
func (t *Tracker) Limit() int {
	return t.limit
}

// windowKey returns the Redis key of the window containing now.
func windowKey(now time.Time) string {
	return RedisKeyWindowPrefix + strconv.FormatInt(now.Unix()/int64(window.Seconds()), 10)
}

// windowEnd returns when the window containing now ends.
func windowEnd(now time.Time) time.Time {
	return now.Truncate(window).Add(window)
}

// GetState reads the current window's quota state from Redis.
// A window without recorded requests has the whole budget remaining.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	now := t.now()

	used, err := t.redis.Get(ctx, windowKey(now)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get window count: %w", err)
	}

	blockedUnix, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}

	state := &RateLimitState{
		RequestsRemaining: t.limit - used,
		ResetAt:           windowEnd(now),
		LastUpdate:        now,
	}
	if blockedUnix > 0 {
		state.BlockedUntil = time.Unix(blockedUnix, 0)
	}
	state.UpdateHealth()

	return state, nil
}

// RecordRequest counts one request against the current window.
func (t *Tracker) RecordRequest(ctx context.Context) error {
	key := windowKey(t.now())

	pipe := t.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record request in redis: %w", err)
	}

	remaining := t.limit - int(incr.Val())
	searchRequestsRemaining.Set(float64(remaining))

	t.logger.Debug().
		Int(logging.FieldRemaining, remaining).
		Msg("Search request recorded")

	return nil
}

// UpdateFromResponse stores a back-off window when the API signals that the
// quota is exhausted (403 or 429). Other responses are ignored.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusForbidden {
		return nil
	}

	backoff := DefaultBackoff
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		parsed, err := parseRetryAfter(retryAfter, t.now())
		if err != nil {
			t.logger.Warn().Err(err).Str("retry_after", retryAfter).Msg("Ignoring unparsable Retry-After header")
		} else {
			backoff = parsed
		}
	}

	// A zero TTL would persist the key forever.
	if backoff <= 0 {
		t.logger.Warn().
			Int(logging.FieldStatus, statusCode).
			Msg("Quota response allows an immediate retry - not blocking")
		return nil
	}

	until := t.now().Add(backoff)
	if err := t.redis.Set(ctx, RedisKeyBlockedUntil, until.Unix(), backoff).Err(); err != nil {
		return fmt.Errorf("store blocked until in redis: %w", err)
	}

	searchRequestsRemaining.Set(0)
	t.logger.Error().
		Int(logging.FieldStatus, statusCode).
		Time("blocked_until", until).
		Msg("Search quota exhausted - requests will be blocked")

	return nil
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("negative Retry-After: %d", seconds)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("parse Retry-After %q: %w", value, err)
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}

// ShouldAllowRequest reports whether a request may be sent now.
// It returns false when the quota is exhausted or the API asked us to back
// off, and sleeps ThrottleDelay (honouring ctx) when the quota runs low.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	searchRequestsRemaining.Set(float64(state.RequestsRemaining))

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int(logging.FieldRemaining, state.RequestsRemaining).
			Dur(logging.FieldWaitDuration, state.TimeUntilReset()).
			Msg("Search quota critical - blocking request")

		searchRateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int(logging.FieldRemaining, state.RequestsRemaining).
			Msg("Search quota low - throttling request")

		searchRateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(ThrottleDelay):
		}
	}

	return true, nil
}
