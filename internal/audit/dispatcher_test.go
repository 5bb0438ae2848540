package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name    string
	mu      sync.Mutex
	events  []Event
	batches int
	err     error
	block   chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, events []Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.events = append(s.events, events...)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDisabledDispatcherIsNilAndSafe(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &recordingSink{name: "r"})
	require.Nil(t, d)

	d.Emit(context.Background(), NewEvent("x", "y", nil))
	d.Close()
	require.Zero(t, d.Dropped())
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	first := &recordingSink{name: "first"}
	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16, BatchSize: 4, FlushInterval: time.Hour}, first, failing)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), NewEvent("rate_limit.denied", "user:alice", nil))
	}
	d.Close()

	require.Equal(t, 10, first.count())
	require.Equal(t, 10, failing.count())
	require.Equal(t, uint64(10), d.Failed())
	require.GreaterOrEqual(t, first.batches, 3)
}

func TestDispatcherFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{name: "r"}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16, BatchSize: 100, FlushInterval: 10 * time.Millisecond}, sink)
	defer d.Close()

	d.Emit(context.Background(), NewEvent("refresh_token.issued", "alice", nil))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "slow", block: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, sink)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), NewEvent("rate_limit.denied", "ip:10.0.0.1", nil))
	}
	require.Greater(t, d.Dropped(), uint64(0))

	close(sink.block)
	d.Close()
	require.Equal(t, 20, sink.count()+int(d.Dropped()))
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{name: "r"}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()
	d.Close()

	d.Emit(context.Background(), NewEvent("x", "y", nil))
	require.Zero(t, sink.count())
}
