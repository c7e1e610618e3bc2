// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"math"
	"strconv"
	"unsafe"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
)

// ReduceKind enumerates the reductions supported by the collectives.
type ReduceKind int

const (
	// ReduceSum is the element-wise sum.
	ReduceSum ReduceKind = iota
	ReduceMax
	ReduceMin
)

// String implements fmt.Stringer.
func (k ReduceKind) String() string {
	switch k {
	case ReduceSum:
		return "Sum"
	case ReduceMax:
		return "Max"
	case ReduceMin:
		return "Min"
	}
	return "ReduceKind(" + strconv.Itoa(int(k)) + ")"
}

// reductionMinChunk is the minimum number of elements per parallel chunk in custom reductions.
const reductionMinChunk = 16 * 1024

// elementwise returns an MPI user function that sets inout[i] = combine(in[i], inout[i]) for the
// n elements, split in chunks across pool.
func elementwise[T any](pool *workerspool.Pool, combine func(in, acc T) T) mpiabi.UserFunction {
	return func(in, inout unsafe.Pointer, n int) {
		if n <= 0 {
			return
		}
		ins := unsafe.Slice((*T)(in), n)
		accs := unsafe.Slice((*T)(inout), n)
		pool.ParallelFor(n, reductionMinChunk, func(start, end int) {
			for i := start; i < end; i++ {
				accs[i] = combine(ins[i], accs[i])
			}
		})
	}
}

// maxOf returns a combine function keeping the largest value according to less.
// NaNs propagate: if either operand is NaN the result is NaN, so the operator stays commutative.
func maxOf[T any](less func(a, b T) bool, isNaN func(T) bool) func(in, acc T) T {
	return func(in, acc T) T {
		if isNaN(acc) {
			return acc
		}
		if isNaN(in) || less(acc, in) {
			return in
		}
		return acc
	}
}

// minOf is the counterpart of maxOf.
func minOf[T any](less func(a, b T) bool, isNaN func(T) bool) func(in, acc T) T {
	return func(in, acc T) T {
		if isNaN(acc) {
			return acc
		}
		if isNaN(in) || less(in, acc) {
			return in
		}
		return acc
	}
}

func sumFloat16(in, acc float16.Float16) float16.Float16 {
	return float16.Fromfloat32(acc.Float32() + in.Float32())
}

func lessFloat16(a, b float16.Float16) bool { return a.Float32() < b.Float32() }

func isNaNFloat16(x float16.Float16) bool { return x.IsNaN() }

func sumBFloat16(in, acc bfloat16.BFloat16) bfloat16.BFloat16 {
	return bfloat16.FromFloat32(acc.Float32() + in.Float32())
}

func lessBFloat16(a, b bfloat16.BFloat16) bool { return a.Float32() < b.Float32() }

func isNaNBFloat16(x bfloat16.BFloat16) bool { return x.IsNaN() }

// lessComplex64 orders complex numbers lexicographically by (real, imag).
func lessComplex64(a, b complex64) bool {
	return real(a) < real(b) || (real(a) == real(b) && imag(a) < imag(b))
}

// isNaNComplex64 reports whether either part of x is NaN.
func isNaNComplex64(x complex64) bool {
	return math.IsNaN(float64(real(x))) || math.IsNaN(float64(imag(x)))
}

// customReductions returns the reductions for the dtypes MPI has no native operator for:
// sum, max and min for Float16 and BFloat16 (transported as 2 opaque bytes), and max and min for
// Complex64 (MPI only sums complex numbers).
func customReductions(pool *workerspool.Pool) map[opKey]mpiabi.UserFunction {
	return map[opKey]mpiabi.UserFunction{
		{ReduceSum, dtypes.Float16}:   elementwise(pool, sumFloat16),
		{ReduceMax, dtypes.Float16}:   elementwise(pool, maxOf(lessFloat16, isNaNFloat16)),
		{ReduceMin, dtypes.Float16}:   elementwise(pool, minOf(lessFloat16, isNaNFloat16)),
		{ReduceSum, dtypes.BFloat16}:  elementwise(pool, sumBFloat16),
		{ReduceMax, dtypes.BFloat16}:  elementwise(pool, maxOf(lessBFloat16, isNaNBFloat16)),
		{ReduceMin, dtypes.BFloat16}:  elementwise(pool, minOf(lessBFloat16, isNaNBFloat16)),
		{ReduceMax, dtypes.Complex64}: elementwise(pool, maxOf(lessComplex64, isNaNComplex64)),
		{ReduceMin, dtypes.Complex64}: elementwise(pool, minOf(lessComplex64, isNaNComplex64)),
	}
}
