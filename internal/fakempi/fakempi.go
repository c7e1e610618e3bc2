// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fakempi simulates an Open MPI job inside one process: a World of N ranks, each one
// driven by its own goroutine through its own mpiabi.Table.
//
// It implements the semantics the MPI backend relies on: collectives rendezvous across all the
// members of a communicator and complete together; reductions combine contributions in rank
// order with `inout = in op inout`, through the built-in operators or the user functions given to
// MPI_Op_create; MPI_Comm_split orders sub-group ranks by (key, rank); sends are buffered and
// received in FIFO order per (source, destination) pair.
//
// Built-in operators follow Open MPI's rules: MPI_SUM/MAX/MIN on MPI_C_BOOL, MPI_MAX/MIN on
// complex numbers and any built-in operator on derived (contiguous) datatypes fail with
// MPI_ERR_OP.
//
// Failures can be injected with World.FailNext.
package fakempi

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/dtypes"
)

// DefaultVersion is the library version string reported by default.
const DefaultVersion = "Open MPI v5.0.3, package: Open MPI fakempi Distribution, ident: 5.0.3, repo rev: v5.0.3, Apr 08, 2024"

// World is a simulated MPI job.
type World struct {
	size    int
	version string

	mu         sync.Mutex
	nextHandle uintptr
	members    map[mpiabi.Comm]*member
	datatypes  map[mpiabi.Datatype]*datatype
	operators  map[mpiabi.Op]*operator
	nextCommID int
	world      *communicator
	ranks      []*rankState
	builtins   builtinHandles

	numUserOps      int
	numDerivedTypes int
	numFreed        int
}

type rankState struct {
	initialized, finalized bool
	failures               map[string]int32
}

// member is what a communicator handle points to: one rank's view of a communicator.
type member struct {
	comm *communicator
	rank int
}

type datatype struct {
	name      string
	size      int
	kind      dtypes.DType // InvalidDType for derived types.
	committed bool
}

type opKind int

const (
	opUser opKind = iota
	opSum
	opMax
	opMin
)

type operator struct {
	kind    opKind
	fn      mpiabi.UserFunction
	commute bool
}

type builtinHandles struct {
	opSum, opMax, opMin mpiabi.Op
	types               map[dtypes.DType]mpiabi.Datatype
}

// Option configures a World.
type Option func(w *World)

// WithVersion sets the string returned by MPI_Get_library_version.
func WithVersion(version string) Option {
	return func(w *World) { w.version = version }
}

// New creates a World with the given number of ranks.
func New(size int, options ...Option) *World {
	if size < 1 {
		panic(fmt.Sprintf("fakempi.New: invalid world size %d", size))
	}
	w := &World{
		size:       size,
		version:    DefaultVersion,
		nextHandle: 0x1000,
		members:    make(map[mpiabi.Comm]*member),
		datatypes:  make(map[mpiabi.Datatype]*datatype),
		operators:  make(map[mpiabi.Op]*operator),
		ranks:      make([]*rankState, size),
	}
	for _, option := range options {
		option(w)
	}
	for i := range w.ranks {
		w.ranks[i] = &rankState{failures: make(map[string]int32)}
	}
	w.world = w.newCommunicator(size)

	w.builtins.opSum = w.addOperator(&operator{kind: opSum, commute: true})
	w.builtins.opMax = w.addOperator(&operator{kind: opMax, commute: true})
	w.builtins.opMin = w.addOperator(&operator{kind: opMin, commute: true})
	w.builtins.types = make(map[dtypes.DType]mpiabi.Datatype)
	for _, dt := range []struct {
		name  string
		dtype dtypes.DType
	}{
		{"MPI_C_BOOL", dtypes.Bool}, {"MPI_INT8_T", dtypes.Int8}, {"MPI_UINT8_T", dtypes.Uint8},
		{"MPI_INT16_T", dtypes.Int16}, {"MPI_UINT16_T", dtypes.Uint16}, {"MPI_INT32_T", dtypes.Int32},
		{"MPI_UINT32_T", dtypes.Uint32}, {"MPI_INT64_T", dtypes.Int64}, {"MPI_UINT64_T", dtypes.Uint64},
		{"MPI_FLOAT", dtypes.Float32}, {"MPI_DOUBLE", dtypes.Float64}, {"MPI_C_COMPLEX", dtypes.Complex64},
	} {
		w.builtins.types[dt.dtype] = w.addDatatype(&datatype{
			name: dt.name, size: dt.dtype.Size(), kind: dt.dtype, committed: true})
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// newHandleLocked returns a new unique handle. It must be called with w.mu held.
func (w *World) newHandleLocked() uintptr {
	h := w.nextHandle
	w.nextHandle += 0x10
	return h
}

func (w *World) addOperator(op *operator) mpiabi.Op {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := mpiabi.Op(w.newHandleLocked())
	w.operators[h] = op
	return h
}

func (w *World) addDatatype(dt *datatype) mpiabi.Datatype {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := mpiabi.Datatype(w.newHandleLocked())
	w.datatypes[h] = dt
	return h
}

// addMemberLocked allocates a communicator handle for one rank. It must be called with w.mu held.
func (w *World) addMemberLocked(comm *communicator, rank int) mpiabi.Comm {
	h := mpiabi.Comm(w.newHandleLocked())
	w.members[h] = &member{comm: comm, rank: rank}
	return h
}

// FailNext makes the next call to the named MPI function (e.g. "MPI_Allreduce") return code,
// on every rank, without doing anything else.
func (w *World) FailNext(function string, code int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.ranks {
		r.failures[function] = code
	}
}

// IsInitialized returns whether the rank called MPI_Init successfully.
func (w *World) IsInitialized(rank int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ranks[rank].initialized
}

// IsFinalized returns whether the rank called MPI_Finalize successfully.
func (w *World) IsFinalized(rank int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ranks[rank].finalized
}

// NumUserOps returns the number of successful MPI_Op_create calls, across all ranks.
func (w *World) NumUserOps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numUserOps
}

// NumDerivedTypes returns the number of successful MPI_Type_contiguous calls, across all ranks.
func (w *World) NumDerivedTypes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numDerivedTypes
}

// NumFreedComms returns the number of successful MPI_Comm_free calls, across all ranks.
func (w *World) NumFreedComms() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numFreed
}

// enter is called at the start of every function but the version query and MPI_Init: it consumes
// injected failures and checks the rank is between MPI_Init and MPI_Finalize.
func (w *World) enter(rank int, function string) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := w.ranks[rank]
	if code, found := state.failures[function]; found {
		delete(state.failures, function)
		return code
	}
	if !state.initialized || state.finalized {
		return mpiabi.ErrOther
	}
	return mpiabi.Success
}

func (w *World) lookupMember(comm mpiabi.Comm, rank int) (*member, int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, found := w.members[comm]
	if !found {
		return nil, mpiabi.ErrComm
	}
	if m.comm.owner[m.rank] != rank {
		// Handle belongs to another simulated process.
		return nil, mpiabi.ErrComm
	}
	return m, mpiabi.Success
}

func (w *World) lookupDatatype(h mpiabi.Datatype) (*datatype, int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dt, found := w.datatypes[h]
	if !found || !dt.committed {
		return nil, mpiabi.ErrType
	}
	return dt, mpiabi.Success
}

func (w *World) lookupOperator(h mpiabi.Op) (*operator, int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	op, found := w.operators[h]
	if !found {
		return nil, mpiabi.ErrOp
	}
	return op, mpiabi.Success
}

// Table returns the function table seen by the given rank.
func (w *World) Table(rank int) *mpiabi.Table {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("fakempi: rank %d out of range for world of size %d", rank, w.size))
	}
	w.mu.Lock()
	worldHandle := w.addMemberLocked(w.world, rank)
	w.mu.Unlock()

	p := &process{w: w, rank: rank}
	t := &mpiabi.Table{
		GetLibraryVersion: p.getLibraryVersion,
		Init:              p.init,
		Finalize:          p.finalize,
		CommRank:          p.commRank,
		CommSize:          p.commSize,
		CommSplit:         p.commSplit,
		CommFree:          p.commFree,
		Allreduce:         p.allreduce,
		Allgather:         p.allgather,
		Send:              p.send,
		Recv:              p.recv,
		TypeContiguous:    p.typeContiguous,
		TypeCommit:        p.typeCommit,
		OpCreate:          p.opCreate,

		CommWorld: worldHandle,
		OpSum:     w.builtins.opSum,
		OpMax:     w.builtins.opMax,
		OpMin:     w.builtins.opMin,

		Bool:      w.builtins.types[dtypes.Bool],
		Int8:      w.builtins.types[dtypes.Int8],
		Uint8:     w.builtins.types[dtypes.Uint8],
		Int16:     w.builtins.types[dtypes.Int16],
		Uint16:    w.builtins.types[dtypes.Uint16],
		Int32:     w.builtins.types[dtypes.Int32],
		Uint32:    w.builtins.types[dtypes.Uint32],
		Int64:     w.builtins.types[dtypes.Int64],
		Uint64:    w.builtins.types[dtypes.Uint64],
		Float:     w.builtins.types[dtypes.Float32],
		Double:    w.builtins.types[dtypes.Float64],
		Complex64: w.builtins.types[dtypes.Complex64],
	}
	return t
}

// bytesAt returns n bytes starting at the raw address p.
func bytesAt(p unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}
