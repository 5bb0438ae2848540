package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps string keys onto a fixed number of buckets with
// murmur3. The rate limiter uses it to shard its in-process bucket cache so
// unrelated callers do not contend on one lock.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Bucket returns a stable bucket in [0, Buckets()) for key.
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.hash(key) % uint64(bm.buckets))
}

// Buckets returns the number of buckets.
func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) hash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	// Reset hasher for reuse
	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
