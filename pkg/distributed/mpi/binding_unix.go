// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux || freebsd

package mpi

import (
	"runtime"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var errLibraryNotFound = errors.Wrap(ErrUnavailable, "Open MPI library not found")

// libraryNames returns the names tried, in order, with the platform's dynamic loader.
func libraryNames() []string {
	if runtime.GOOS == "darwin" {
		return []string{"libmpi.dylib"}
	}
	// libmpi.so is only installed with the development package, libmpi.so.40 is Open MPI's soname.
	return []string{"libmpi.so", "libmpi.so.40"}
}

// bind loads the first library found in names and resolves every function and object in a Table.
// The library is unloaded if anything is missing.
func bind(names []string) (table *mpiabi.Table, path string, err error) {
	var handle uintptr
	var loadErrors []string
	for _, name := range names {
		h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			handle, path = h, name
			break
		}
		loadErrors = append(loadErrors, err.Error())
	}
	if handle == 0 {
		return nil, "", errors.WithMessagef(errLibraryNotFound, "tried %q: %s", names, strings.Join(loadErrors, "; "))
	}
	defer func() {
		if err != nil {
			_ = purego.Dlclose(handle)
		}
	}()

	// RegisterFunc panics for Go signatures it can't translate: that is a bug, but it is still reported
	// as an unavailable library.
	panicked := exceptions.Try(func() { table, err = resolve(handle, path) })
	if panicked != nil {
		return nil, "", errors.Wrapf(ErrUnavailable, "binding %q: %v", path, panicked)
	}
	return table, path, err
}

func resolve(handle uintptr, path string) (*mpiabi.Table, error) {
	t := &mpiabi.Table{}
	bindFunc := func(name string, fptr any) error {
		addr, err := purego.Dlsym(handle, name)
		if err != nil {
			return errors.Wrapf(ErrUnavailable, "library %q has no symbol %s: %v", path, name, err)
		}
		purego.RegisterFunc(fptr, addr)
		return nil
	}

	// The flavor is checked first, so other MPI implementations get a clear message instead of a
	// missing symbol.
	if err := bindFunc("MPI_Get_library_version", &t.GetLibraryVersion); err != nil {
		return nil, err
	}
	if _, err := verifyFlavor(t, path); err != nil {
		return nil, err
	}

	var opCreate func(fn uintptr, commute int32, op *mpiabi.Op) int32
	for _, f := range []struct {
		name string
		fptr any
	}{
		{"MPI_Init", &t.Init},
		{"MPI_Finalize", &t.Finalize},
		{"MPI_Comm_rank", &t.CommRank},
		{"MPI_Comm_size", &t.CommSize},
		{"MPI_Comm_split", &t.CommSplit},
		{"MPI_Comm_free", &t.CommFree},
		{"MPI_Allreduce", &t.Allreduce},
		{"MPI_Allgather", &t.Allgather},
		{"MPI_Send", &t.Send},
		{"MPI_Recv", &t.Recv},
		{"MPI_Type_contiguous", &t.TypeContiguous},
		{"MPI_Type_commit", &t.TypeCommit},
		{"MPI_Op_create", &opCreate},
	} {
		if err := bindFunc(f.name, f.fptr); err != nil {
			return nil, err
		}
	}
	t.OpCreate = func(fn mpiabi.UserFunction, commute bool, op *mpiabi.Op) int32 {
		var commuteFlag int32
		if commute {
			commuteFlag = 1
		}
		return opCreate(userCallback(fn), commuteFlag, op)
	}

	// Predefined objects: their handles are the addresses of the exported globals.
	for _, obj := range []struct {
		name string
		addr *uintptr
	}{
		{"ompi_mpi_comm_world", (*uintptr)(&t.CommWorld)},
		{"ompi_mpi_op_sum", (*uintptr)(&t.OpSum)},
		{"ompi_mpi_op_max", (*uintptr)(&t.OpMax)},
		{"ompi_mpi_op_min", (*uintptr)(&t.OpMin)},
		{"ompi_mpi_c_bool", (*uintptr)(&t.Bool)},
		{"ompi_mpi_int8_t", (*uintptr)(&t.Int8)},
		{"ompi_mpi_uint8_t", (*uintptr)(&t.Uint8)},
		{"ompi_mpi_int16_t", (*uintptr)(&t.Int16)},
		{"ompi_mpi_uint16_t", (*uintptr)(&t.Uint16)},
		{"ompi_mpi_int32_t", (*uintptr)(&t.Int32)},
		{"ompi_mpi_uint32_t", (*uintptr)(&t.Uint32)},
		{"ompi_mpi_int64_t", (*uintptr)(&t.Int64)},
		{"ompi_mpi_uint64_t", (*uintptr)(&t.Uint64)},
		{"ompi_mpi_float", (*uintptr)(&t.Float)},
		{"ompi_mpi_double", (*uintptr)(&t.Double)},
		{"ompi_mpi_c_complex", (*uintptr)(&t.Complex64)},
	} {
		addr, err := purego.Dlsym(handle, obj.name)
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "library %q has no object %s: %v", path, obj.name, err)
		}
		*obj.addr = addr
	}
	return t, nil
}

// userCallback returns a C function pointer calling fn, with the signature of MPI_User_function:
// void (*)(void *in, void *inout, int *len, MPI_Datatype *datatype).
// Callbacks are never released, and purego supports a limited number of them.
func userCallback(fn mpiabi.UserFunction) uintptr {
	return purego.NewCallback(func(in, inout uintptr, length *int32, _ uintptr) {
		fn(unsafe.Pointer(in), unsafe.Pointer(inout), int(*length))
	})
}
