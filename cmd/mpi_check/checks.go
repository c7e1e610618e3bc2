// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

type checkFn func(g distributed.Group, s *streams.Stream) (details string, err error)

type checkResult struct {
	name    string
	details string
	err     error
}

var checks = []struct {
	name string
	fn   checkFn
}{
	{"AllSum of ranks", checkAllSum},
	{"AllMax/AllMin of ranks", checkAllMaxMin},
	{"AllGather of ranks", checkAllGather},
	{"in-place AllSum", checkInPlace},
	{"Split", checkSplit},
	{"Float16/BFloat16/Complex64 reductions", checkCustomReductions},
	{"Send/Recv ring", checkSendRecv},
}

// runChecks runs all checks in order. Every rank must run them, since they are collective.
func runChecks(g distributed.Group, s *streams.Stream) []checkResult {
	results := make([]checkResult, 0, len(checks))
	for _, c := range checks {
		details, err := c.fn(g, s)
		if err != nil {
			klog.Errorf("rank %d: check %q failed: %+v", g.Rank(), c.name, err)
		}
		results = append(results, checkResult{name: c.name, details: details, err: err})
	}
	return results
}

// agreeAll returns, for each check, whether it passed on every rank.
func agreeAll(g distributed.Group, s *streams.Stream, results []checkResult) ([]bool, error) {
	flags := make([]int32, len(results))
	for i, r := range results {
		if r.err == nil {
			flags[i] = 1
		}
	}
	agreed, err := distributed.AllMin(buffers.FromFlat(flags), g, s)
	if err != nil {
		return nil, err
	}
	if err := agreed.Wait(); err != nil {
		return nil, err
	}
	passed := make([]bool, len(results))
	for i, v := range buffers.Flat[int32](agreed) {
		passed[i] = v == 1
	}
	return passed, nil
}

// wait for b and return its contents.
func wait[T float32 | int32 | float16.Float16 | bfloat16.BFloat16 | complex64](b *buffers.Buffer) ([]T, error) {
	if err := b.Wait(); err != nil {
		return nil, err
	}
	return buffers.Flat[T](b), nil
}

func checkAllSum(g distributed.Group, s *streams.Stream) (string, error) {
	n := g.Size()
	sum, err := distributed.AllSum(buffers.FromFlat([]float32{float32(g.Rank())}), g, s)
	if err != nil {
		return "", err
	}
	got, err := wait[float32](sum)
	if err != nil {
		return "", err
	}
	want := float32(n * (n - 1) / 2)
	if got[0] != want {
		return "", errors.Errorf("got %g, wanted %g", got[0], want)
	}
	return fmt.Sprintf("sum=%g", got[0]), nil
}

func checkAllMaxMin(g distributed.Group, s *streams.Stream) (string, error) {
	x := buffers.FromFlat([]int32{int32(g.Rank())})
	maxBuf, err := distributed.AllMax(x, g, s)
	if err != nil {
		return "", err
	}
	minBuf, err := distributed.AllMin(x, g, s)
	if err != nil {
		return "", err
	}
	maxValue, err := wait[int32](maxBuf)
	if err != nil {
		return "", err
	}
	minValue, err := wait[int32](minBuf)
	if err != nil {
		return "", err
	}
	if int(maxValue[0]) != g.Size()-1 || minValue[0] != 0 {
		return "", errors.Errorf("got max=%d and min=%d, wanted %d and 0", maxValue[0], minValue[0], g.Size()-1)
	}
	return fmt.Sprintf("max=%d, min=%d", maxValue[0], minValue[0]), nil
}

func checkAllGather(g distributed.Group, s *streams.Stream) (string, error) {
	gathered, err := distributed.AllGather(buffers.FromFlat([]int32{int32(g.Rank())}), g, s)
	if err != nil {
		return "", err
	}
	got, err := wait[int32](gathered)
	if err != nil {
		return "", err
	}
	for i, v := range got {
		if int(v) != i {
			return "", errors.Errorf("got %v, wanted 0..%d", got, g.Size()-1)
		}
	}
	return fmt.Sprintf("%v", got), nil
}

func checkInPlace(g distributed.Group, s *streams.Stream) (string, error) {
	values := []float32{float32(g.Rank()), 1, -2}
	x := buffers.FromFlat(slices.Clone(values))
	outOfPlace := buffers.Like(x)
	if err := g.AllSum(x, outOfPlace, s); err != nil {
		return "", err
	}
	inPlace := buffers.FromFlat(slices.Clone(values))
	if err := g.AllSum(inPlace, inPlace, s); err != nil {
		return "", err
	}
	want, err := wait[float32](outOfPlace)
	if err != nil {
		return "", err
	}
	got, err := wait[float32](inPlace)
	if err != nil {
		return "", err
	}
	if !slices.Equal(want, got) {
		return "", errors.Errorf("in-place %v != out-of-place %v", got, want)
	}
	return fmt.Sprintf("%v", got), nil
}

func checkSplit(g distributed.Group, s *streams.Stream) (string, error) {
	rank := g.Rank()
	// Two colors, with the order reversed within each sub-group.
	sub, err := g.Split(rank%2, g.Size()-rank)
	if err != nil {
		return "", err
	}
	defer func() { _ = sub.Close() }()
	members, err := distributed.AllGather(buffers.FromFlat([]int32{int32(rank)}), sub, s)
	if err != nil {
		return "", err
	}
	got, err := wait[int32](members)
	if err != nil {
		return "", err
	}
	for i, member := range got {
		if int(member)%2 != rank%2 || (i > 0 && member >= got[i-1]) {
			return "", errors.Errorf("sub-group members %v are not ordered by key", got)
		}
	}
	if int(got[sub.Rank()]) != rank {
		return "", errors.Errorf("rank %d is at position %d of its sub-group %v", rank, sub.Rank(), got)
	}
	return fmt.Sprintf("sub-group %v", got), nil
}

func checkCustomReductions(g distributed.Group, s *streams.Stream) (string, error) {
	n, rank := g.Size(), g.Rank()
	f16, err := distributed.AllSum(buffers.FromFlat([]float16.Float16{float16.Fromfloat32(float32(rank))}), g, s)
	if err != nil {
		return "", err
	}
	bf16, err := distributed.AllMax(buffers.FromFlat([]bfloat16.BFloat16{bfloat16.FromFloat32(float32(rank))}), g, s)
	if err != nil {
		return "", err
	}
	c64, err := distributed.AllMax(buffers.FromFlat([]complex64{complex(0, float32(rank))}), g, s)
	if err != nil {
		return "", err
	}
	f16Sum, err := wait[float16.Float16](f16)
	if err != nil {
		return "", err
	}
	bf16Max, err := wait[bfloat16.BFloat16](bf16)
	if err != nil {
		return "", err
	}
	c64Max, err := wait[complex64](c64)
	if err != nil {
		return "", err
	}
	if f16Sum[0].Float32() != float32(n*(n-1)/2) || bf16Max[0].Float32() != float32(n-1) ||
		c64Max[0] != complex(0, float32(n-1)) {
		return "", errors.Errorf("got float16 sum=%s, bfloat16 max=%s, complex64 max=%v", f16Sum[0], bf16Max[0], c64Max[0])
	}
	return fmt.Sprintf("float16 sum=%s, bfloat16 max=%s, complex64 max=%v", f16Sum[0], bf16Max[0], c64Max[0]), nil
}

func checkSendRecv(g distributed.Group, s *streams.Stream) (string, error) {
	n, rank := g.Size(), g.Rank()
	if n == 1 {
		return "skipped, single process", nil
	}
	next, previous := (rank+1)%n, (rank+n-1)%n
	if err := distributed.Send(buffers.FromFlat([]int32{int32(rank)}), next, g, s); err != nil {
		return "", err
	}
	received, err := distributed.Recv(dtypes.Int32, 1, previous, g, s)
	if err != nil {
		return "", err
	}
	got, err := wait[int32](received)
	if err != nil {
		return "", err
	}
	if int(got[0]) != previous {
		return "", errors.Errorf("received %d from rank %d", got[0], previous)
	}
	return fmt.Sprintf("received %d", got[0]), nil
}
