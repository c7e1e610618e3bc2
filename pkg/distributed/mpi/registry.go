// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// opKey indexes the custom operators.
type opKey struct {
	kind  ReduceKind
	dtype dtypes.DType
}

// nativeDatatypes maps dtypes to the datatypes predefined by MPI.
func nativeDatatypes(t *mpiabi.Table) map[dtypes.DType]mpiabi.Datatype {
	return map[dtypes.DType]mpiabi.Datatype{
		dtypes.Bool:      t.Bool,
		dtypes.Int8:      t.Int8,
		dtypes.Uint8:     t.Uint8,
		dtypes.Int16:     t.Int16,
		dtypes.Uint16:    t.Uint16,
		dtypes.Int32:     t.Int32,
		dtypes.Uint32:    t.Uint32,
		dtypes.Int64:     t.Int64,
		dtypes.Uint64:    t.Uint64,
		dtypes.Float32:   t.Float,
		dtypes.Float64:   t.Double,
		dtypes.Complex64: t.Complex64,
	}
}

// registerLocked creates the datatypes and operators MPI doesn't provide.
// It runs after the first successful MPI_Init, with l.mu held. If it fails it is retried by the
// next Init, and only creates what is still missing: each datatype and operator is created once.
func (l *library) registerLocked() error {
	if l.registered {
		return nil
	}
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16} {
		if _, found := l.datatypes[dtype]; found {
			continue
		}
		dt, created := l.uncommitted[dtype]
		if !created {
			if err := check("MPI_Type_contiguous", l.table.TypeContiguous(int32(dtype.Size()), l.table.Uint8, &dt)); err != nil {
				return errors.WithMessagef(err, "creating MPI datatype for %s", dtype)
			}
			l.uncommitted[dtype] = dt
		}
		if err := check("MPI_Type_commit", l.table.TypeCommit(&dt)); err != nil {
			return errors.WithMessagef(err, "creating MPI datatype for %s", dtype)
		}
		delete(l.uncommitted, dtype)
		l.datatypes[dtype] = dt
	}
	for key, fn := range customReductions(l.pool) {
		if _, found := l.operators[key]; found {
			continue
		}
		var op mpiabi.Op
		if err := check("MPI_Op_create", l.table.OpCreate(fn, true, &op)); err != nil {
			return errors.WithMessagef(err, "creating MPI operator %s for %s", key.kind, key.dtype)
		}
		l.operators[key] = op
	}
	l.registered = true
	klog.V(1).Infof("mpi: registered datatypes for Float16 and BFloat16, and %d custom operators", len(l.operators))
	return nil
}

// datatypeFor returns the MPI datatype used to transport buffers of the given dtype.
func (l *library) datatypeFor(dtype dtypes.DType) (mpiabi.Datatype, error) {
	if dt, found := l.datatypes[dtype]; found {
		return dt, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedDType, "dtype %s", dtype)
}

// operatorFor returns the MPI operator for the reduction of the given dtype: a custom operator if one
// was registered, otherwise the predefined one.
func (l *library) operatorFor(kind ReduceKind, dtype dtypes.DType) mpiabi.Op {
	if op, found := l.operators[opKey{kind, dtype}]; found {
		return op
	}
	switch kind {
	case ReduceMax:
		return l.table.OpMax
	case ReduceMin:
		return l.table.OpMin
	default:
		return l.table.OpSum
	}
}
