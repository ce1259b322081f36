// Package ratelimit implements the registry throttle gate.
//
// When any lookup receives HTTP 429 the gate is tripped for a cooldown
// period; every lookup waits for the cooldown to elapse before issuing its
// next request. The cooldown deadline is kept in memory or, when several
// crawler processes share one registry quota, in Redis.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyCooldownUntil = "egr:rate_limit:cooldown_until"
)

// CooldownState is a snapshot of the throttle gate.
type CooldownState struct {
	// Until is the instant before which no request should be issued.
	// Zero when the gate has never been tripped.
	Until time.Time `json:"until"`

	// CheckedAt is when the snapshot was taken.
	CheckedAt time.Time `json:"checked_at"`
}

// IsCooling reports whether requests must still wait.
func (s *CooldownState) IsCooling() bool {
	return s.Until.After(s.CheckedAt)
}

// TimeUntilReset returns the remaining cooldown.
// Returns 0 if the cooldown has already passed.
func (s *CooldownState) TimeUntilReset() time.Duration {
	d := s.Until.Sub(s.CheckedAt)
	if d < 0 {
		return 0
	}
	return d
}
