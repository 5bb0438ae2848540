package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user:%d:CUSTOMER", i)
		b := bm.Bucket(key)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 16)
		require.Equal(t, b, bm.Bucket(key))
	}
}

func TestBucketSpreadsKeys(t *testing.T) {
	bm := NewBucketingManager(8)
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		seen[bm.Bucket(fmt.Sprintf("ip:10.0.0.%d", i))] = true
	}
	require.Len(t, seen, 8)
}

func TestNonPositiveBucketCountFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(0)
	require.Equal(t, 1, bm.Buckets())
	require.Equal(t, 0, bm.Bucket("anything"))
}
