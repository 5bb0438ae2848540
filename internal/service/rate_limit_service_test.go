package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"banking-gateway/internal/bucketing"
	"banking-gateway/internal/models"
	"banking-gateway/internal/ratelimit"
	redisrepo "banking-gateway/internal/repository/redis"
)

func newRateLimitFixture(t *testing.T, staleness time.Duration) (*RateLimitService, *miniredis.Miniredis, *testClock, *recordingEmitter) {
	t.Helper()
	rc, mr := newTestRedis(t)
	clock := newTestClock()
	engine := ratelimit.NewEngine(redisrepo.NewBucketCache(rc), bucketing.NewBucketingManager(8),
		ratelimit.WithClock(clock.Now),
		ratelimit.WithLocalStaleness(staleness))
	events := &recordingEmitter{}
	return NewRateLimitService(engine, nil, events), mr, clock, events
}

func TestAuthEndpointScenario(t *testing.T) {
	svc, mr, _, events := newRateLimitFixture(t, time.Second)
	ctx := context.Background()
	identity := ratelimit.IdentityKey("", "203.0.113.9")

	for i := 0; i < 10; i++ {
		d := svc.Evaluate(ctx, identity, "", "/api/v1/auth/refresh")
		require.True(t, d.Allowed, "attempt %d", i+1)
		require.Equal(t, "AUTH", d.Config.Name)
	}

	d := svc.Evaluate(ctx, identity, "", "/api/v1/auth/refresh")
	require.False(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)
	require.Equal(t, 6*time.Second, d.RetryAfter)

	info := d.Info()
	require.Equal(t, int64(10), info.Capacity)
	require.NotNil(t, info.RetryAfterMs)
	require.Equal(t, int64(6000), *info.RetryAfterMs)

	require.True(t, mr.Exists("rate_limit:ip:203.0.113.9:AUTH"))
	require.Len(t, events.ofType(models.EventRateLimitDenied), 1)
}

func TestEndpointClassHasItsOwnBucket(t *testing.T) {
	svc, _, _, _ := newRateLimitFixture(t, time.Second)
	ctx := context.Background()
	identity := ratelimit.IdentityKey("alice", "10.0.0.1")

	for i := 0; i < 10; i++ {
		svc.Evaluate(ctx, identity, "CUSTOMER", "/api/v1/auth/sessions")
	}
	require.False(t, svc.Evaluate(ctx, identity, "CUSTOMER", "/api/v1/auth/sessions").Allowed)

	d := svc.Evaluate(ctx, identity, "CUSTOMER", "/api/v1/accounts")
	require.True(t, d.Allowed)
	require.Equal(t, "CUSTOMER", d.Config.Name)
	require.Equal(t, int64(99), d.Remaining)
}

func TestAdminMovingMoneyGetsBankingLimit(t *testing.T) {
	svc, _, _, _ := newRateLimitFixture(t, time.Second)
	ctx := context.Background()
	identity := ratelimit.IdentityKey("bob", "10.0.0.2")

	allowed := 0
	for i := 0; i < 40; i++ {
		if svc.Evaluate(ctx, identity, "ADMIN", "/api/v1/accounts/1/transfer").Allowed {
			allowed++
		}
	}
	require.Equal(t, 30, allowed)
}

func TestInfoDoesNotConsume(t *testing.T) {
	svc, _, _, _ := newRateLimitFixture(t, time.Second)
	ctx := context.Background()

	svc.Evaluate(ctx, "user:alice", "CUSTOMER", "/api/v1/accounts")
	for i := 0; i < 3; i++ {
		info := svc.Info(ctx, "user:alice", "CUSTOMER", "/api/v1/accounts")
		require.Equal(t, int64(99), info.AvailableTokens)
		require.True(t, info.IsAllowed)
		require.Nil(t, info.RetryAfterMs)
	}
}

func TestResetClearsAllClasses(t *testing.T) {
	svc, mr, _, _ := newRateLimitFixture(t, time.Second)
	ctx := context.Background()

	svc.Evaluate(ctx, "user:alice", "CUSTOMER", "/api/v1/auth/sessions")
	svc.Evaluate(ctx, "user:alice", "CUSTOMER", "/api/v1/deposit")
	require.True(t, mr.Exists("rate_limit:user:alice:AUTH"))
	require.True(t, mr.Exists("rate_limit:user:alice:BANKING"))

	require.NoError(t, svc.Reset(ctx, "user:alice"))
	require.False(t, mr.Exists("rate_limit:user:alice:AUTH"))
	require.False(t, mr.Exists("rate_limit:user:alice:BANKING"))
}

func TestStoreOutageFailsOpen(t *testing.T) {
	svc, mr, _, events := newRateLimitFixture(t, 0)
	ctx := context.Background()

	mr.SetError("ERR store offline")
	for i := 0; i < 50; i++ {
		d := svc.Evaluate(ctx, "ip:10.0.0.1", "", "/api/v1/auth/refresh")
		require.True(t, d.Allowed)
		require.True(t, d.FailOpen)
	}
	require.Len(t, events.ofType(models.EventRateLimitFailOpen), 50)
	require.Empty(t, events.ofType(models.EventRateLimitDenied))
}

func TestCleanupExpiredBuckets(t *testing.T) {
	svc, mr, _, _ := newRateLimitFixture(t, time.Second)
	ctx := context.Background()

	svc.Evaluate(ctx, "user:alice", "CUSTOMER", "/api/v1/accounts")
	svc.Evaluate(ctx, "user:bob", "ADMIN", "/api/v1/accounts")
	require.Zero(t, svc.CleanupExpiredBuckets(ctx))

	// Both buckets refill within a minute, so their store keys lapse.
	mr.FastForward(90 * time.Second)
	require.Equal(t, 2, svc.CleanupExpiredBuckets(ctx))
	require.Zero(t, svc.CleanupExpiredBuckets(ctx))
}
