// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpiabi describes the subset of the Open MPI C ABI used by the MPI backend, in Go terms.
//
// Open MPI represents communicators, datatypes and operators as pointers to internal structs, and the
// predefined ones (MPI_COMM_WORLD, MPI_FLOAT, MPI_SUM, ...) are the addresses of exported global
// objects (ompi_mpi_comm_world, ompi_mpi_float, ompi_mpi_op_sum, ...). Here they are all uintptr-sized
// opaque handles.
//
// Table holds one typed Go function per required C function, plus the resolved global objects.
// It is filled either by dynamically binding the shared library, or by an in-process simulation
// used in tests.
package mpiabi

import "unsafe"

// Comm is an MPI_Comm handle.
type Comm uintptr

// Datatype is an MPI_Datatype handle.
type Datatype uintptr

// Op is an MPI_Op handle.
type Op uintptr

// Constants from Open MPI's mpi.h.
const (
	// Success is MPI_SUCCESS.
	Success int32 = 0

	// AnyTag is MPI_ANY_TAG.
	AnyTag int32 = -1

	// AnySource is MPI_ANY_SOURCE.
	AnySource int32 = -1

	// Undefined is MPI_UNDEFINED, used as a color in MPI_Comm_split to opt out of every sub-group.
	Undefined int32 = -32766

	// MaxLibraryVersionString is MPI_MAX_LIBRARY_VERSION_STRING.
	MaxLibraryVersionString = 256

	// CommNull is MPI_COMM_NULL as returned by the simulation. Open MPI's real MPI_COMM_NULL is the
	// address of ompi_mpi_comm_null, which this package never needs to compare against.
	CommNull Comm = 0
)

// Error classes from Open MPI's mpi.h, used by the simulation and in error messages.
const (
	ErrBuffer   int32 = 1
	ErrCount    int32 = 2
	ErrType     int32 = 3
	ErrTag      int32 = 4
	ErrComm     int32 = 5
	ErrRank     int32 = 6
	ErrOp       int32 = 10
	ErrArg      int32 = 13
	ErrUnknown  int32 = 14
	ErrTruncate int32 = 15
	ErrOther    int32 = 16
	ErrIntern   int32 = 17
)

var errorClassNames = map[int32]string{
	Success:     "MPI_SUCCESS",
	ErrBuffer:   "MPI_ERR_BUFFER",
	ErrCount:    "MPI_ERR_COUNT",
	ErrType:     "MPI_ERR_TYPE",
	ErrTag:      "MPI_ERR_TAG",
	ErrComm:     "MPI_ERR_COMM",
	ErrRank:     "MPI_ERR_RANK",
	ErrOp:       "MPI_ERR_OP",
	ErrArg:      "MPI_ERR_ARG",
	ErrUnknown:  "MPI_ERR_UNKNOWN",
	ErrTruncate: "MPI_ERR_TRUNCATE",
	ErrOther:    "MPI_ERR_OTHER",
	ErrIntern:   "MPI_ERR_INTERN",
}

// ErrorClassName returns the mpi.h name of an error class, or "" if unknown.
func ErrorClassName(code int32) string {
	return errorClassNames[code]
}

// InPlace is MPI_IN_PLACE: ((void *) 1) in Open MPI.
//
// It is kept as a uintptr: an unsafe.Pointer holding such a small address makes the Go runtime
// abort when it scans a goroutine stack.
const InPlace uintptr = 1

// Status mirrors Open MPI's struct ompi_status_public_t (MPI_Status).
type Status struct {
	Source    int32
	Tag       int32
	Error     int32
	Cancelled int32
	UCount    uintptr
}

// UserFunction is the Go form of an MPI_User_function: it must combine n elements of in into inout
// (inout[i] = in[i] op inout[i]). The datatype argument of the C callback is not passed along.
type UserFunction func(in, inout unsafe.Pointer, n int)

// Table of the functions and global objects required from the runtime.
//
// The Go signatures follow the C prototypes, with int mapped to int32. The send buffer of Allreduce
// is a uintptr because it may be InPlace; callers keep the pointed memory alive.
type Table struct {
	GetLibraryVersion func(version *byte, length *int32) int32
	Init              func(argc, argv unsafe.Pointer) int32
	Finalize          func() int32
	CommRank          func(comm Comm, rank *int32) int32
	CommSize          func(comm Comm, size *int32) int32
	CommSplit         func(comm Comm, color, key int32, newComm *Comm) int32
	CommFree          func(comm *Comm) int32
	Allreduce         func(sendBuf uintptr, recvBuf unsafe.Pointer, count int32, datatype Datatype, op Op, comm Comm) int32
	Allgather         func(sendBuf unsafe.Pointer, sendCount int32, sendType Datatype,
		recvBuf unsafe.Pointer, recvCount int32, recvType Datatype, comm Comm) int32
	Send           func(buf unsafe.Pointer, count int32, datatype Datatype, dest, tag int32, comm Comm) int32
	Recv           func(buf unsafe.Pointer, count int32, datatype Datatype, source, tag int32, comm Comm, status *Status) int32
	TypeContiguous func(count int32, oldType Datatype, newType *Datatype) int32
	TypeCommit     func(datatype *Datatype) int32

	// OpCreate registers fn as a reduction operator (MPI_Op_create). The binding is responsible for
	// turning fn into a C function pointer with the MPI_User_function ABI.
	OpCreate func(fn UserFunction, commute bool, op *Op) int32

	// Global objects.
	CommWorld Comm
	OpSum     Op
	OpMax     Op
	OpMin     Op

	// Native datatypes.
	Bool      Datatype
	Int8      Datatype
	Uint8     Datatype
	Int16     Datatype
	Uint16    Datatype
	Int32     Datatype
	Uint32    Datatype
	Int64     Datatype
	Uint64    Datatype
	Float     Datatype
	Double    Datatype
	Complex64 Datatype
}

// Missing returns the names of the functions and objects not set in the table.
// A usable table has none missing.
func (t *Table) Missing() []string {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("MPI_Get_library_version", t.GetLibraryVersion != nil)
	check("MPI_Init", t.Init != nil)
	check("MPI_Finalize", t.Finalize != nil)
	check("MPI_Comm_rank", t.CommRank != nil)
	check("MPI_Comm_size", t.CommSize != nil)
	check("MPI_Comm_split", t.CommSplit != nil)
	check("MPI_Comm_free", t.CommFree != nil)
	check("MPI_Allreduce", t.Allreduce != nil)
	check("MPI_Allgather", t.Allgather != nil)
	check("MPI_Send", t.Send != nil)
	check("MPI_Recv", t.Recv != nil)
	check("MPI_Type_contiguous", t.TypeContiguous != nil)
	check("MPI_Type_commit", t.TypeCommit != nil)
	check("MPI_Op_create", t.OpCreate != nil)
	check("ompi_mpi_comm_world", t.CommWorld != 0)
	check("ompi_mpi_op_sum", t.OpSum != 0)
	check("ompi_mpi_op_max", t.OpMax != 0)
	check("ompi_mpi_op_min", t.OpMin != 0)
	for _, dt := range []struct {
		name string
		dt   Datatype
	}{
		{"ompi_mpi_c_bool", t.Bool}, {"ompi_mpi_int8_t", t.Int8}, {"ompi_mpi_uint8_t", t.Uint8},
		{"ompi_mpi_int16_t", t.Int16}, {"ompi_mpi_uint16_t", t.Uint16}, {"ompi_mpi_int32_t", t.Int32},
		{"ompi_mpi_uint32_t", t.Uint32}, {"ompi_mpi_int64_t", t.Int64}, {"ompi_mpi_uint64_t", t.Uint64},
		{"ompi_mpi_float", t.Float}, {"ompi_mpi_double", t.Double}, {"ompi_mpi_c_complex", t.Complex64},
	} {
		check(dt.name, dt.dt != 0)
	}
	return missing
}

// VersionString calls GetLibraryVersion and returns the version as a Go string.
func (t *Table) VersionString() (string, int32) {
	var buf [MaxLibraryVersionString]byte
	var length int32
	code := t.GetLibraryVersion(&buf[0], &length)
	if code != Success {
		return "", code
	}
	length = min(max(length, 0), MaxLibraryVersionString)
	version := buf[:length]
	// Some implementations count the terminating NUL.
	for len(version) > 0 && version[len(version)-1] == 0 {
		version = version[:len(version)-1]
	}
	return string(version), Success
}
