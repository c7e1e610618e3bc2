// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fakempi

import (
	"unsafe"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"golang.org/x/exp/constraints"
)

// apply combines count elements: inout[i] = in[i] op inout[i].
func apply(op *operator, dt *datatype, in, inout []byte, count int) int32 {
	if count == 0 {
		return mpiabi.Success
	}
	inPtr, inoutPtr := unsafe.Pointer(&in[0]), unsafe.Pointer(&inout[0])
	if op.kind == opUser {
		op.fn(inPtr, inoutPtr, count)
		return mpiabi.Success
	}
	switch dt.kind {
	case dtypes.Int8:
		reduceOrdered[int8](op.kind, inPtr, inoutPtr, count)
	case dtypes.Uint8:
		reduceOrdered[uint8](op.kind, inPtr, inoutPtr, count)
	case dtypes.Int16:
		reduceOrdered[int16](op.kind, inPtr, inoutPtr, count)
	case dtypes.Uint16:
		reduceOrdered[uint16](op.kind, inPtr, inoutPtr, count)
	case dtypes.Int32:
		reduceOrdered[int32](op.kind, inPtr, inoutPtr, count)
	case dtypes.Uint32:
		reduceOrdered[uint32](op.kind, inPtr, inoutPtr, count)
	case dtypes.Int64:
		reduceOrdered[int64](op.kind, inPtr, inoutPtr, count)
	case dtypes.Uint64:
		reduceOrdered[uint64](op.kind, inPtr, inoutPtr, count)
	case dtypes.Float32:
		reduceOrdered[float32](op.kind, inPtr, inoutPtr, count)
	case dtypes.Float64:
		reduceOrdered[float64](op.kind, inPtr, inoutPtr, count)
	case dtypes.Complex64:
		if op.kind != opSum {
			return mpiabi.ErrOp
		}
		ins := unsafe.Slice((*complex64)(inPtr), count)
		inouts := unsafe.Slice((*complex64)(inoutPtr), count)
		for i, v := range ins {
			inouts[i] = v + inouts[i]
		}
	default:
		// MPI_C_BOOL and derived datatypes have no built-in arithmetic.
		return mpiabi.ErrOp
	}
	return mpiabi.Success
}

func reduceOrdered[T constraints.Integer | constraints.Float](kind opKind, in, inout unsafe.Pointer, count int) {
	ins := unsafe.Slice((*T)(in), count)
	inouts := unsafe.Slice((*T)(inout), count)
	switch kind {
	case opSum:
		for i, v := range ins {
			inouts[i] = v + inouts[i]
		}
	case opMax:
		for i, v := range ins {
			if v > inouts[i] {
				inouts[i] = v
			}
		}
	case opMin:
		for i, v := range ins {
			if v < inouts[i] {
				inouts[i] = v
			}
		}
	}
}
