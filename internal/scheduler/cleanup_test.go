package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingCleaner) CleanupExpiredBuckets(context.Context) int {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	return 0
}

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestRunOnceMethods(t *testing.T) {
	cleaner := &countingCleaner{}
	purger := &countingPurger{err: errors.New("store offline")}
	s := NewCleanupScheduler(cleaner, purger, time.Minute, time.Minute)

	require.True(t, s.RunBucketCleanup(context.Background()))
	require.True(t, s.RunTokenPurge(context.Background()))
	require.True(t, s.RunTokenPurge(context.Background()))
	require.Equal(t, int32(1), cleaner.calls.Load())
	require.Equal(t, int32(2), purger.calls.Load())
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	cleaner := &countingCleaner{release: make(chan struct{})}
	s := NewCleanupScheduler(cleaner, &countingPurger{}, time.Minute, time.Minute)

	done := make(chan bool)
	go func() { done <- s.RunBucketCleanup(context.Background()) }()
	require.Eventually(t, func() bool { return cleaner.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.False(t, s.RunBucketCleanup(context.Background()))

	close(cleaner.release)
	require.True(t, <-done)
	require.Equal(t, int32(1), cleaner.calls.Load())
}

func TestRunTicksBothJobsIndependently(t *testing.T) {
	cleaner := &countingCleaner{}
	purger := &countingPurger{}
	s := NewCleanupScheduler(cleaner, purger, 5*time.Millisecond, 7*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return cleaner.calls.Load() >= 2 && purger.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunWaitsForInFlightJob(t *testing.T) {
	cleaner := &countingCleaner{release: make(chan struct{})}
	s := NewCleanupScheduler(cleaner, &countingPurger{}, 5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return cleaner.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-errCh:
		t.Fatal("scheduler returned while a cleanup pass was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(cleaner.release)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, int32(1), cleaner.calls.Load())
}
