package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"banking-gateway/internal/audit"
	"banking-gateway/internal/models"
	"banking-gateway/internal/ratelimit"
	"banking-gateway/internal/util"
)

// Decision is the outcome of evaluating one request.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	Config     ratelimit.BucketConfig
	FailOpen   bool
}

// Info is the client-facing view of a bucket.
type Info struct {
	AvailableTokens int64  `json:"availableTokens"`
	Capacity        int64  `json:"capacity"`
	RefillRate      int64  `json:"refillRate"`
	IsAllowed       bool   `json:"isAllowed"`
	RetryAfterMs    *int64 `json:"retryAfterMs,omitempty"`
}

// Info describes the bucket state that produced d.
func (d Decision) Info() Info {
	info := Info{
		AvailableTokens: d.Remaining,
		Capacity:        d.Config.Capacity,
		RefillRate:      d.Config.RefillTokens,
		IsAllowed:       d.Allowed,
	}
	if !d.Allowed {
		ms := d.RetryAfter.Milliseconds()
		info.RetryAfterMs = &ms
	}
	return info
}

// RateLimitService classifies requests and applies the matching bucket.
type RateLimitService struct {
	engine *ratelimit.Engine
	rules  ratelimit.RuleTable
	events audit.Emitter
}

func NewRateLimitService(engine *ratelimit.Engine, rules ratelimit.RuleTable, events audit.Emitter) *RateLimitService {
	if rules == nil {
		rules = ratelimit.DefaultRules()
	}
	if events == nil {
		events = audit.NoOpEmitter{}
	}
	return &RateLimitService{
		engine: engine,
		rules:  rules,
		events: events,
	}
}

// Evaluate consumes one token from the bucket selected by role and path for
// identity. It never returns an error: store failures admit the request.
func (s *RateLimitService) Evaluate(ctx context.Context, identity, role, path string) Decision {
	cfg := s.rules.Classify(role, path)
	res := s.engine.TryConsume(ctx, ratelimit.BucketKey(identity, cfg), cfg)

	decision := Decision{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
		Config:     cfg,
		FailOpen:   res.FailOpen,
	}

	switch {
	case res.FailOpen:
		s.emit(ctx, models.EventRateLimitFailOpen, identity, path, cfg, role)
	case !res.Allowed:
		util.Warn("Rate limit exceeded",
			zap.String("client", identity),
			zap.String("role", role),
			zap.String("endpoint", path),
			zap.String("bucket", cfg.Name),
			zap.Duration("retry_after", res.RetryAfter))
		s.emit(ctx, models.EventRateLimitDenied, identity, path, cfg, role)
	}

	return decision
}

// Info reports the bucket for identity without consuming a token.
func (s *RateLimitService) Info(ctx context.Context, identity, role, path string) Info {
	cfg := s.rules.Classify(role, path)
	res := s.engine.Peek(ctx, ratelimit.BucketKey(identity, cfg), cfg)
	return Decision{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
		Config:     cfg,
	}.Info()
}

// Reset clears every class bucket held for identity.
func (s *RateLimitService) Reset(ctx context.Context, identity string) error {
	var errs []error
	for _, cfg := range s.rules.Configs() {
		if err := s.engine.Reset(ctx, ratelimit.BucketKey(identity, cfg)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to reset rate limits for %s: %w", identity, err)
	}
	return nil
}

// CleanupExpiredBuckets evicts cached buckets whose store entry has expired.
func (s *RateLimitService) CleanupExpiredBuckets(ctx context.Context) int {
	util.Info("Starting rate limit bucket cleanup")
	removed := s.engine.ExpireBuckets(ctx)
	util.Info("Rate limit bucket cleanup completed",
		zap.Int("removed", removed),
		zap.Int("cached", s.engine.CachedBuckets()))
	return removed
}

func (s *RateLimitService) emit(ctx context.Context, eventType, identity, path string, cfg ratelimit.BucketConfig, role string) {
	event := audit.NewEvent(eventType, identity, map[string]string{
		"bucket": cfg.Name,
		"role":   role,
	})
	event.Path = path
	s.events.Emit(ctx, event)
}
