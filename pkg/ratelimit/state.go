// Package ratelimit tracks the search API request quota and gates requests.
// The search API tolerates roughly 20 requests per minute per client; going
// over it answers 403/429 for a while. Quota state lives in Redis so every
// list session of a process (and every process) shares one budget.
package ratelimit

import (
	"time"
)

// Redis keys for quota state storage.
const (
	// RedisKeyWindowPrefix is suffixed with the unix minute of the window.
	RedisKeyWindowPrefix = "search:rate_limit:window:"

	// RedisKeyBlockedUntil holds the unix time until which the API asked us to back off.
	RedisKeyBlockedUntil = "search:rate_limit:blocked_until"
)

// DefaultRequestsPerMinute is the documented search API budget.
const DefaultRequestsPerMinute = 20

// Thresholds on remaining requests in the current window.
const (
	// RemainingThresholdCritical blocks requests when fewer requests remain.
	RemainingThresholdCritical = 1

	// RemainingThresholdWarning throttles requests when fewer requests remain.
	RemainingThresholdWarning = 5

	// RemainingThresholdHealthy marks the quota healthy at or above this value.
	RemainingThresholdHealthy = 10
)

// RateLimitState is the request quota state of the current window.
type RateLimitState struct {
	// RequestsRemaining is the number of requests left in the current window.
	RequestsRemaining int `json:"requests_remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set when the API answered 403/429. Zero when not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was read.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when RequestsRemaining >= RemainingThresholdHealthy
	// and the API has not blocked us.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsBlocked reports whether the API asked us to back off.
func (s *RateLimitState) IsBlocked() bool {
	return time.Now().Before(s.BlockedUntil)
}

// NeedsCriticalBlock returns true if requests must not be sent.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.IsBlocked() || s.RequestsRemaining < RemainingThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.RequestsRemaining < RemainingThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns how long until requests may flow again.
// Returns 0 if that moment has passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	until := s.ResetAt
	if s.BlockedUntil.After(until) {
		until = s.BlockedUntil
	}

	duration := time.Until(until)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from the other fields.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.RequestsRemaining >= RemainingThresholdHealthy && !s.IsBlocked()
}
