// Package scheduler runs the periodic maintenance jobs: evicting cached rate
// limit buckets and purging expired refresh tokens.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"banking-gateway/internal/util"
)

// BucketCleaner evicts cached buckets whose store entry expired.
type BucketCleaner interface {
	CleanupExpiredBuckets(ctx context.Context) int
}

// TokenPurger deletes expired refresh tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// CleanupScheduler runs both jobs on independent tickers. A run that is still
// in progress when its next tick fires causes that tick to be skipped.
type CleanupScheduler struct {
	buckets        BucketCleaner
	tokens         TokenPurger
	bucketInterval time.Duration
	tokenInterval  time.Duration

	bucketRunning atomic.Bool
	tokenRunning  atomic.Bool
}

func NewCleanupScheduler(buckets BucketCleaner, tokens TokenPurger, bucketInterval, tokenInterval time.Duration) *CleanupScheduler {
	return &CleanupScheduler{
		buckets:        buckets,
		tokens:         tokens,
		bucketInterval: bucketInterval,
		tokenInterval:  tokenInterval,
	}
}

// Run blocks until ctx is cancelled.
func (s *CleanupScheduler) Run(ctx context.Context) error {
	util.Info("Cleanup scheduler started",
		zap.Duration("bucket_interval", s.bucketInterval),
		zap.Duration("token_interval", s.tokenInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, s.bucketInterval, s.RunBucketCleanup)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, s.tokenInterval, s.RunTokenPurge)
		return nil
	})
	err := g.Wait()

	util.Info("Cleanup scheduler stopped")
	return err
}

// loop returns only after every job it started has finished, so callers can
// close the stores once Run returns.
func (s *CleanupScheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var jobs sync.WaitGroup
	defer jobs.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs.Add(1)
			go func() {
				defer jobs.Done()
				job(ctx)
			}()
		}
	}
}

// RunBucketCleanup runs one bucket cleanup pass. It returns false when a pass
// was already in progress.
func (s *CleanupScheduler) RunBucketCleanup(ctx context.Context) bool {
	if !s.bucketRunning.CompareAndSwap(false, true) {
		util.Debug("Rate limit bucket cleanup still running, skipping")
		return false
	}
	defer s.bucketRunning.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.bucketInterval)
	defer cancel()
	s.buckets.CleanupExpiredBuckets(ctx)
	return true
}

// RunTokenPurge runs one expired-token purge. It returns false when a purge
// was already in progress.
func (s *CleanupScheduler) RunTokenPurge(ctx context.Context) bool {
	if !s.tokenRunning.CompareAndSwap(false, true) {
		util.Debug("Refresh token purge still running, skipping")
		return false
	}
	defer s.tokenRunning.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.tokenInterval)
	defer cancel()
	if _, err := s.tokens.PurgeExpired(ctx); err != nil {
		util.Error("Refresh token purge failed", zap.Error(err))
	}
	return true
}
