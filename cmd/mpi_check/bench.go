// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

type benchmarkResult struct {
	dtype        dtypes.DType
	numElements  int
	numBytes     int
	iterations   int
	perIteration time.Duration

	// bandwidth is the size of the buffer reduced per second.
	bandwidth float64
}

// benchmarkAllSum times in-place AllSum of a buffer with numElements of dtype.
func benchmarkAllSum(g distributed.Group, s *streams.Stream, dtype dtypes.DType, numElements, iterations int,
	showProgress bool) (benchmarkResult, error) {
	result := benchmarkResult{dtype: dtype, numElements: numElements, iterations: iterations}
	if iterations <= 0 {
		return result, errors.Errorf("invalid number of iterations %d", iterations)
	}
	x := buffers.New(dtype, numElements)
	result.numBytes = x.NumBytes()

	// Warm-up, also synchronizes the ranks.
	if err := g.AllSum(x, x, s); err != nil {
		return result, err
	}
	if err := s.Synchronize(); err != nil {
		return result, err
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(iterations,
			progressbar.OptionSetDescription("AllSum"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("ops"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	start := time.Now()
	for range iterations {
		if err := g.AllSum(x, x, s); err != nil {
			return result, err
		}
		if bar != nil {
			if err := x.Wait(); err != nil {
				return result, err
			}
			_ = bar.Add(1)
		}
	}
	if err := s.Synchronize(); err != nil {
		return result, err
	}
	elapsed := max(time.Since(start), time.Nanosecond)
	if bar != nil {
		_ = bar.Close()
	}
	result.perIteration = elapsed / time.Duration(iterations)
	result.bandwidth = float64(result.numBytes) * float64(iterations) / elapsed.Seconds()
	return result, nil
}
