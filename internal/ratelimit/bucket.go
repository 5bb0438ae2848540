// Package ratelimit implements token-bucket admission keyed by caller identity
// and endpoint class. Refill is computed lazily on access; no timer runs per
// bucket.
package ratelimit

import (
	"math"
	"time"
)

// BucketConfig is an immutable bandwidth definition.
type BucketConfig struct {
	Name         string
	Capacity     int64
	RefillTokens int64
	RefillPeriod time.Duration
}

// FullRefill is the idle time after which an empty bucket is full again.
func (c BucketConfig) FullRefill() time.Duration {
	if c.RefillTokens <= 0 || c.RefillPeriod <= 0 {
		return 0
	}
	return time.Duration(float64(c.RefillPeriod) * float64(c.Capacity) / float64(c.RefillTokens))
}

// State is the mutable part of a bucket. Tokens stays within [0, Capacity].
type State struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// FullState returns a bucket holding its whole capacity at now.
func FullState(cfg BucketConfig, now time.Time) State {
	return State{Tokens: float64(cfg.Capacity), LastRefill: now}
}

// Refill adds elapsed/period*refillTokens, capped at capacity, and moves
// LastRefill to now. A LastRefill in the future (clock skew between
// processes) adds nothing and is left untouched.
func (s State) Refill(cfg BucketConfig, now time.Time) State {
	elapsed := now.Sub(s.LastRefill)
	if elapsed > 0 && cfg.RefillPeriod > 0 {
		s.Tokens += float64(elapsed) / float64(cfg.RefillPeriod) * float64(cfg.RefillTokens)
		s.LastRefill = now
	}
	return s.clamp(cfg)
}

func (s State) clamp(cfg BucketConfig) State {
	switch {
	case math.IsNaN(s.Tokens) || s.Tokens < 0:
		s.Tokens = 0
	case s.Tokens > float64(cfg.Capacity):
		s.Tokens = float64(cfg.Capacity)
	}
	return s
}

// Remaining is the number of whole tokens available.
func (s State) Remaining() int64 {
	return int64(math.Floor(s.Tokens))
}

// WaitForToken is the time until at least one token is available.
func (s State) WaitForToken(cfg BucketConfig) time.Duration {
	if s.Tokens >= 1 {
		return 0
	}
	if cfg.RefillTokens <= 0 || cfg.RefillPeriod <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := 1 - s.Tokens
	wait := time.Duration(math.Ceil(missing * float64(cfg.RefillPeriod) / float64(cfg.RefillTokens)))
	if wait <= 0 {
		wait = 1
	}
	return wait
}

// Result is the outcome of a TryConsume or Peek call.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	// FailOpen marks a result produced without consulting the shared store.
	FailOpen bool
}
