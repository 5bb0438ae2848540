package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"banking-gateway/internal/bucketing"
	"banking-gateway/internal/util"
)

// BucketStore persists bucket state in the shared store. Load reports
// found=false for a bucket that does not exist (never created or expired).
type BucketStore interface {
	Load(ctx context.Context, key string) (State, bool, error)
	Save(ctx context.Context, key string, state State, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Engine runs the token-bucket algorithm. The shared store is authoritative;
// each process keeps a sharded in-memory copy of the buckets it touches and
// trusts it for at most the configured staleness before re-reading the store.
// Processes racing within that window may together admit slightly more than
// capacity; that slack is accepted in exchange for not locking across
// processes.
type Engine struct {
	store        BucketStore
	shards       []*shard
	sharding     *bucketing.BucketingManager
	now          Clock
	staleness    time.Duration
	storeTimeout time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	state  State
	loaded bool
	// syncedAt is when state was last read from the store. Local writes do
	// not move it, so a busy entry is still re-read every staleness window.
	syncedAt time.Time
	// dead is set by Reset; holders must fetch a fresh entry.
	dead bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.now = clock }
}

// WithLocalStaleness sets how long a cached bucket is used without
// re-reading the store. Zero reads the store on every call.
func WithLocalStaleness(d time.Duration) Option {
	return func(e *Engine) { e.staleness = d }
}

// WithStoreTimeout bounds every store call made by the engine.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

// NewEngine creates an engine over store with its local cache split by sharding.
func NewEngine(store BucketStore, sharding *bucketing.BucketingManager, opts ...Option) *Engine {
	if sharding == nil {
		sharding = bucketing.NewBucketingManager(1)
	}
	e := &Engine{
		store:     store,
		sharding:  sharding,
		now:       time.Now,
		staleness: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.shards = make([]*shard, sharding.Buckets())
	for i := range e.shards {
		e.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return e
}

// TryConsume takes one token from the bucket at key. Store failures admit the
// request and are logged at warn level.
func (e *Engine) TryConsume(ctx context.Context, key string, cfg BucketConfig) Result {
	ent := e.lockEntry(key)
	defer ent.mu.Unlock()

	now := e.now()
	if err := e.sync(ctx, key, ent, cfg, now); err != nil {
		return e.failOpen("load", key, cfg, err)
	}

	state := ent.state.Refill(cfg, now)
	var result Result
	if state.Tokens >= 1 {
		state.Tokens--
		result = Result{Allowed: true, Remaining: state.Remaining()}
	} else {
		result = Result{Remaining: 0, RetryAfter: state.WaitForToken(cfg)}
	}
	ent.state = state

	if err := e.save(ctx, key, state, cfg); err != nil {
		// Force a reload once the store is reachable again.
		ent.loaded = false
		return e.failOpen("save", key, cfg, err)
	}

	return result
}

// Peek reports what TryConsume would decide without taking a token.
func (e *Engine) Peek(ctx context.Context, key string, cfg BucketConfig) Result {
	ent := e.lockEntry(key)
	defer ent.mu.Unlock()

	now := e.now()
	if err := e.sync(ctx, key, ent, cfg, now); err != nil {
		return e.failOpen("peek", key, cfg, err)
	}

	state := ent.state.Refill(cfg, now)
	return Result{
		Allowed:    state.Tokens >= 1,
		Remaining:  state.Remaining(),
		RetryAfter: state.WaitForToken(cfg),
	}
}

// Reset drops the bucket locally and in the shared store. A consume already
// in progress on the bucket finishes its write before the store key is
// deleted, and later callers wait for the reset and then start from a fresh
// entry.
func (e *Engine) Reset(ctx context.Context, key string) error {
	sh := e.shardFor(key)
	sh.mu.Lock()
	ent := sh.entries[key]
	sh.mu.Unlock()

	if ent != nil {
		ent.mu.Lock()
		defer func() {
			ent.dead = true
			sh.mu.Lock()
			if sh.entries[key] == ent {
				delete(sh.entries, key)
			}
			sh.mu.Unlock()
			ent.mu.Unlock()
		}()
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.Delete(storeCtx, key); err != nil {
		util.Error("Failed to reset rate limit bucket", zap.String("key", key), zap.Error(err))
		return err
	}
	util.Info("Rate limit bucket reset", zap.String("key", key))
	return nil
}

// ExpireBuckets removes cached buckets whose shared-store entry no longer
// exists. It is idempotent and safe to run alongside live traffic; an entry
// evicted while in use is simply reloaded on its next access.
func (e *Engine) ExpireBuckets(ctx context.Context) int {
	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		keys := make([]string, 0, len(sh.entries))
		for key := range sh.entries {
			keys = append(keys, key)
		}
		sh.mu.Unlock()

		for _, key := range keys {
			if ctx.Err() != nil {
				return removed
			}
			exists, err := e.exists(ctx, key)
			if err != nil {
				util.Warn("Skipping rate limit bucket during cleanup", zap.String("key", key), zap.Error(err))
				continue
			}
			if exists {
				continue
			}
			sh.mu.Lock()
			delete(sh.entries, key)
			sh.mu.Unlock()
			removed++
		}
	}
	return removed
}

// CachedBuckets returns the number of buckets held in the local cache.
func (e *Engine) CachedBuckets() int {
	total := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

func (e *Engine) entry(key string) *entry {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ent, ok := sh.entries[key]
	if !ok {
		ent = &entry{}
		sh.entries[key] = ent
	}
	return ent
}

// lockEntry returns the live entry for key with its lock held.
func (e *Engine) lockEntry(key string) *entry {
	for {
		ent := e.entry(key)
		ent.mu.Lock()
		if !ent.dead {
			return ent
		}
		ent.mu.Unlock()
	}
}

func (e *Engine) shardFor(key string) *shard {
	return e.shards[e.sharding.Bucket(key)]
}

// sync refreshes ent from the store when it was never loaded or has gone stale.
func (e *Engine) sync(ctx context.Context, key string, ent *entry, cfg BucketConfig, now time.Time) error {
	if ent.loaded && now.Sub(ent.syncedAt) < e.staleness {
		return nil
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	state, found, err := e.store.Load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		state = FullState(cfg, now)
	}
	ent.state = state.clamp(cfg)
	ent.loaded = true
	ent.syncedAt = now
	return nil
}

func (e *Engine) save(ctx context.Context, key string, state State, cfg BucketConfig) error {
	ttl := cfg.FullRefill()
	if ttl < time.Second {
		ttl = time.Second
	}
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.Save(ctx, key, state, ttl)
}

func (e *Engine) exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.Exists(ctx, key)
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) failOpen(op, key string, cfg BucketConfig, err error) Result {
	util.Warn("Rate limit store unavailable, failing open",
		zap.String("op", op),
		zap.String("key", key),
		zap.String("bucket", cfg.Name),
		zap.Error(err))
	return Result{Allowed: true, FailOpen: true}
}
