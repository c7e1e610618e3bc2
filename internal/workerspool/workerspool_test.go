package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 4} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1000
		var visited [n]atomic.Int32
		var calls atomic.Int32
		pool.ParallelFor(n, 10, func(start, end int) {
			calls.Add(1)
			for i := start; i < end; i++ {
				visited[i].Add(1)
			}
		})
		for i := range visited {
			assert.Equal(t, int32(1), visited[i].Load(), "parallelism=%d, element %d", parallelism, i)
		}
		if parallelism == 0 || parallelism == 1 {
			assert.Equal(t, int32(1), calls.Load())
		}
	}
}

func TestPool_SmallRangesRunInline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(8)
	var calls int // No atomics needed: everything runs in this goroutine.
	pool.ParallelFor(15, 16, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 15, end)
	})
	assert.Equal(t, 1, calls)
	pool.ParallelFor(0, 16, func(start, end int) { t.Fatal("should not be called") })
}
