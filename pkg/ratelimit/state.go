// Package ratelimit implements the shared credential pool.
// It tracks per-token quota from the X-RateLimit-Remaining and X-RateLimit-Reset
// headers, rotates tokens round-robin with borrowing, detects pool-wide
// exhaustion and coordinates a single recovery sleep across all workers.
package ratelimit

import (
	"time"
)

// Quota defaults for a GitHub personal access token.
const (
	// DefaultCeiling is the hourly call quota a credential is reset to.
	DefaultCeiling = 5000

	// DefaultLowWaterMark is the reserve kept on every credential.
	// A credential at or below this value is considered unavailable.
	DefaultLowWaterMark = 10
)

// QuotaState represents the observed quota of a single credential.
type QuotaState struct {
	// Remaining is the number of calls left in the current window.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the platform replenishes the quota.
	// Zero means unset.
	ResetAt time.Time `json:"reset_at"`

	// Requests counts how often the credential was handed out.
	Requests int `json:"requests"`
}

// HasReset returns true if a reset time is set and has elapsed.
func (s *QuotaState) HasReset(now time.Time) bool {
	return !s.ResetAt.IsZero() && !now.Before(s.ResetAt)
}

// IsAvailable returns true if the credential may be used for another call.
func (s *QuotaState) IsAvailable(now time.Time, lowWaterMark int) bool {
	return s.HasReset(now) || s.Remaining > lowWaterMark
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if no reset is pending or the reset time has already passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	duration := s.ResetAt.Sub(now)
	if duration < 0 {
		return 0
	}
	return duration
}

// reset replaces the quota with the platform ceiling and clears the reset time.
func (s *QuotaState) reset(ceiling int) {
	s.Remaining = ceiling
	s.ResetAt = time.Time{}
}

// Credential is a single access token with its quota state.
// The quota is owned by the Pool the credential belongs to.
type Credential struct {
	id    string
	token string
	state QuotaState
}

// ID returns the opaque, log-safe identifier of the credential.
func (c *Credential) ID() string {
	return c.id
}

// Token returns the secret used for the Authorization header.
func (c *Credential) Token() string {
	return c.token
}

// String implements fmt.Stringer without leaking the token.
func (c *Credential) String() string {
	return c.id
}
