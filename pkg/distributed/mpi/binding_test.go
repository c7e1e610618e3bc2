// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"testing"

	"github.com/gomlx/collectives/internal/fakempi"
	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryNotFound(t *testing.T) {
	lib, err := loadLibrary([]string{"libmpi-does-not-exist.so", "libmpi-does-not-exist.so.40"})
	require.Error(t, err)
	assert.Nil(t, lib)
	assert.ErrorIs(t, err, ErrUnavailable)

	// Unavailable runtime: non-strict returns no group and no error.
	group, err := initFailed(false, err)
	assert.NoError(t, err)
	assert.Nil(t, group)
}

func TestStrictInitOfUnavailable(t *testing.T) {
	_, cause := loadLibrary([]string{"libmpi-does-not-exist.so"})
	group, err := initFailed(true, cause)
	require.Error(t, err)
	assert.Nil(t, group)
	assert.ErrorIs(t, err, ErrStrictInit)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIsAvailableNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		available := IsAvailable()
		// Repeated calls don't re-attempt binding and give the same answer.
		assert.Equal(t, available, IsAvailable())
	})
}

func TestFlavorMismatch(t *testing.T) {
	w := fakempi.New(1, fakempi.WithVersion("MPICH Version: 4.2.0"))
	_, err := newLibrary(w.Table(0), "libmpi.so")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "does not appear to be Open MPI")
	assert.False(t, w.IsInitialized(0))
}

func TestMissingSymbol(t *testing.T) {
	w := fakempi.New(1)
	table := w.Table(0)
	table.Allgather = nil
	table.OpMin = 0
	_, err := newLibrary(table, "libmpi.so")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "MPI_Allgather")
	assert.Contains(t, err.Error(), "ompi_mpi_op_min")
}

func TestInit(t *testing.T) {
	w := fakempi.New(1)
	lib, err := newLibrary(w.Table(0), "libmpi.so")
	require.NoError(t, err)
	assert.Contains(t, lib.version, "Open MPI")

	g, err := lib.init(true)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.IsGlobal())
	assert.True(t, w.IsInitialized(0))
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.Size())

	// Custom datatypes and operators are registered once.
	assert.Equal(t, 2, w.NumDerivedTypes())
	assert.Equal(t, 8, w.NumUserOps())

	// Repeated Init returns the same global group, without calling MPI_Init again.
	g2, err := lib.init(true)
	require.NoError(t, err)
	assert.Same(t, g, g2)
	assert.Equal(t, 8, w.NumUserOps())

	// Closing the global group finalizes MPI, which can't be initialized again.
	require.NoError(t, g.Close())
	assert.True(t, w.IsFinalized(0))
	require.NoError(t, g.Close(), "closing twice is a no-op")
	g3, err := lib.init(false)
	assert.NoError(t, err)
	assert.Nil(t, g3)
	_, err = lib.init(true)
	assert.ErrorIs(t, err, ErrStrictInit)
}

func TestInitFailure(t *testing.T) {
	w := fakempi.New(1)
	lib, err := newLibrary(w.Table(0), "libmpi.so")
	require.NoError(t, err)

	w.FailNext("MPI_Init", mpiabi.ErrOther)
	g, err := lib.init(false)
	assert.NoError(t, err)
	assert.Nil(t, g)

	w.FailNext("MPI_Init", mpiabi.ErrIntern)
	_, err = lib.init(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStrictInit)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "MPI_Init", transportErr.Op)
	assert.Equal(t, mpiabi.ErrIntern, transportErr.Code)
	assert.Contains(t, err.Error(), "MPI_ERR_INTERN")

	// A later attempt can still succeed.
	g, err = lib.init(true)
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestRegistrationFailure(t *testing.T) {
	w := fakempi.New(1)
	lib, err := newLibrary(w.Table(0), "libmpi.so")
	require.NoError(t, err)
	w.FailNext("MPI_Op_create", mpiabi.ErrOther)
	_, err = lib.init(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStrictInit)

	// MPI_Init is not repeated, registration is retried.
	g, err := lib.init(true)
	require.NoError(t, err)
	assert.NotNil(t, g)
	assert.Len(t, lib.operators, 8)
	assert.Equal(t, 8, w.NumUserOps())
	assert.Equal(t, 2, w.NumDerivedTypes(), "Float16 and BFloat16 datatypes are created only once")
}

func TestRegistrationRetryCreatesMissingOnly(t *testing.T) {
	w := fakempi.New(1)
	lib, err := newLibrary(w.Table(0), "libmpi.so")
	require.NoError(t, err)
	w.FailNext("MPI_Type_commit", mpiabi.ErrType)
	_, err = lib.init(false)
	require.NoError(t, err)
	_, err = lib.datatypeFor(dtypes.BFloat16)
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	_, err = lib.init(true)
	require.NoError(t, err)
	f16, err := lib.datatypeFor(dtypes.Float16)
	require.NoError(t, err)
	bf16, err := lib.datatypeFor(dtypes.BFloat16)
	require.NoError(t, err)
	assert.NotEqual(t, f16, bf16)
	assert.Equal(t, 2, w.NumDerivedTypes(), "the datatype whose commit failed is committed, not created again")
	assert.Len(t, lib.operators, 8)
	assert.Equal(t, 8, w.NumUserOps())
}

func TestDatatypeFor(t *testing.T) {
	w := fakempi.New(1)
	lib, err := newLibrary(w.Table(0), "libmpi.so")
	require.NoError(t, err)
	_, err = lib.init(true)
	require.NoError(t, err)

	supported := []dtypes.DType{dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64, dtypes.Complex64}
	seen := make(map[mpiabi.Datatype]dtypes.DType)
	for _, dtype := range supported {
		dt, err := lib.datatypeFor(dtype)
		require.NoError(t, err, "dtype %s", dtype)
		assert.NotZero(t, dt)
		again, err := lib.datatypeFor(dtype)
		require.NoError(t, err)
		assert.Equal(t, dt, again, "datatypeFor(%s) must be stable", dtype)
		if other, found := seen[dt]; found {
			t.Errorf("%s and %s share the same datatype", dtype, other)
		}
		seen[dt] = dtype
	}
	for _, dtype := range []dtypes.DType{dtypes.Complex128, dtypes.InvalidDType} {
		_, err := lib.datatypeFor(dtype)
		assert.ErrorIs(t, err, ErrUnsupportedDType, "dtype %s", dtype)
	}
}

func TestOperatorFor(t *testing.T) {
	w := fakempi.New(1)
	table := w.Table(0)
	lib, err := newLibrary(table, "libmpi.so")
	require.NoError(t, err)
	_, err = lib.init(true)
	require.NoError(t, err)

	assert.Equal(t, table.OpSum, lib.operatorFor(ReduceSum, dtypes.Float32))
	assert.Equal(t, table.OpMax, lib.operatorFor(ReduceMax, dtypes.Int8))
	assert.Equal(t, table.OpMin, lib.operatorFor(ReduceMin, dtypes.Bool))
	assert.Equal(t, table.OpSum, lib.operatorFor(ReduceSum, dtypes.Complex64))
	for _, key := range []opKey{
		{ReduceSum, dtypes.Float16}, {ReduceMax, dtypes.Float16}, {ReduceMin, dtypes.Float16},
		{ReduceSum, dtypes.BFloat16}, {ReduceMax, dtypes.BFloat16}, {ReduceMin, dtypes.BFloat16},
		{ReduceMax, dtypes.Complex64}, {ReduceMin, dtypes.Complex64},
	} {
		op := lib.operatorFor(key.kind, key.dtype)
		assert.NotContains(t, []mpiabi.Op{table.OpSum, table.OpMax, table.OpMin}, op, "%s for %s", key.kind, key.dtype)
	}
}

func TestBackendRegistered(t *testing.T) {
	assert.Contains(t, distributed.Backends(), BackendName)
}
