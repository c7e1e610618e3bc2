// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs chunks of elementwise work in parallel, up to a soft limit of goroutines.
//
// It is used by the reduction callbacks: they are called synchronously by the message-passing
// runtime, so the pool never keeps work in flight after a call returns.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines used by concurrent ParallelFor calls.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 or 1, ParallelFor runs everything inline.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any work starts running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// tryAcquire reserves a worker, returning false if all are in use.
func (w *Pool) tryAcquire() bool {
	if w.maxParallelism < 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.numRunning >= w.maxParallelism-1 {
		// The calling goroutine counts as one of the workers.
		return false
	}
	w.numRunning++
	return true
}

func (w *Pool) release() {
	if w.maxParallelism < 0 {
		return
	}
	w.mu.Lock()
	w.numRunning--
	w.mu.Unlock()
}

// ParallelFor splits the range [0, n) into chunks of at least minChunk elements and calls fn for each
// chunk, using free workers when available and the calling goroutine otherwise.
// It returns only after every chunk is done.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	numChunks := n / minChunk
	if w.maxParallelism > 0 && numChunks > w.maxParallelism {
		numChunks = w.maxParallelism
	}
	if numChunks <= 1 || w.maxParallelism == 0 || w.maxParallelism == 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		if end < n && w.tryAcquire() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.release()
				fn(start, end)
			}()
			continue
		}
		fn(start, end)
	}
	wg.Wait()
}
