package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"banking-gateway/internal/util"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled       bool
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// SinkTimeout bounds one batch write to one sink.
	SinkTimeout time.Duration
}

// Dispatcher buffers events and fans each batch out to every sink. Emit never
// blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	cfg       Config
	sinks     []Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Emitter = (*Dispatcher)(nil)

// NewDispatcher returns nil when auditing is disabled; a nil *Dispatcher is a
// valid Emitter that drops everything.
func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if len(sinks) == 0 {
		sinks = []Sink{LogSink{}}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sinks: sinks,
		ch:    make(chan Event, cfg.BufferSize),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]Event, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case event := <-d.ch:
			batch = append(batch, event)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					batch = append(batch, event)
					if len(batch) >= d.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver writes batch to all sinks concurrently. A failing sink does not
// affect the others.
func (d *Dispatcher) deliver(batch []Event) {
	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Write(ctx, batch); err != nil {
				d.failed.Add(uint64(len(batch)))
				util.Warn("Security event sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) Emit(_ context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close stops accepting events and flushes what is buffered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		if dropped := d.dropped.Load(); dropped > 0 {
			util.Warn("Security events dropped while buffer was full", zap.Uint64("dropped", dropped))
		}
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed counts events a sink rejected.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
