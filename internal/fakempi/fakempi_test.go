// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fakempi

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks runs fn concurrently for every rank of w, with an initialized table.
func runRanks(t *testing.T, w *World, fn func(rank int, table *mpiabi.Table)) {
	var wg sync.WaitGroup
	for rank := range w.Size() {
		table := w.Table(rank)
		require.Equal(t, mpiabi.Success, table.Init(nil, nil))
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(rank, table)
		}()
	}
	wg.Wait()
}

func TestVersionAndLifecycle(t *testing.T) {
	w := New(1, WithVersion("Open MPI v4.1.6"))
	table := w.Table(0)
	require.Empty(t, table.Missing())
	version, code := table.VersionString()
	require.Equal(t, mpiabi.Success, code)
	assert.Equal(t, "Open MPI v4.1.6", version)

	var size int32
	assert.Equal(t, mpiabi.ErrOther, table.CommSize(table.CommWorld, &size), "not initialized yet")
	require.Equal(t, mpiabi.Success, table.Init(nil, nil))
	assert.True(t, w.IsInitialized(0))
	assert.Equal(t, mpiabi.ErrOther, table.Init(nil, nil), "MPI_Init twice")
	require.Equal(t, mpiabi.Success, table.CommSize(table.CommWorld, &size))
	assert.Equal(t, int32(1), size)
	require.Equal(t, mpiabi.Success, table.Finalize())
	assert.True(t, w.IsFinalized(0))
	assert.Equal(t, mpiabi.ErrOther, table.CommSize(table.CommWorld, &size), "after MPI_Finalize")
}

func TestFailNext(t *testing.T) {
	w := New(1)
	table := w.Table(0)
	w.FailNext("MPI_Init", mpiabi.ErrIntern)
	assert.Equal(t, mpiabi.ErrIntern, table.Init(nil, nil))
	assert.False(t, w.IsInitialized(0))
	require.Equal(t, mpiabi.Success, table.Init(nil, nil))

	var rank int32
	w.FailNext("MPI_Comm_rank", mpiabi.ErrComm)
	assert.Equal(t, mpiabi.ErrComm, table.CommRank(table.CommWorld, &rank))
	assert.Equal(t, mpiabi.Success, table.CommRank(table.CommWorld, &rank))
}

func TestAllreduce(t *testing.T) {
	w := New(3)
	results := make([][]float32, w.Size())
	maxResults := make([][]int64, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		send := []float32{float32(rank), 1, float32(10 * rank)}
		recv := make([]float32, 3)
		code := table.Allreduce(uintptr(unsafe.Pointer(&send[0])), unsafe.Pointer(&recv[0]), 3,
			table.Float, table.OpSum, table.CommWorld)
		assert.Equal(t, mpiabi.Success, code)
		results[rank] = recv

		inPlace := []int64{int64(rank), -int64(rank)}
		code = table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&inPlace[0]), 2, table.Int64, table.OpMax, table.CommWorld)
		assert.Equal(t, mpiabi.Success, code)
		maxResults[rank] = inPlace
	})
	for rank := range w.Size() {
		assert.Equal(t, []float32{3, 3, 30}, results[rank])
		assert.Equal(t, []int64{2, 0}, maxResults[rank])
	}
}

func TestAllreduceUnsupportedOp(t *testing.T) {
	w := New(2)
	boolCodes := make([]int32, w.Size())
	complexCodes := make([]int32, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		flags := []bool{rank == 0, true}
		boolCodes[rank] = table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&flags[0]), 2, table.Bool, table.OpSum, table.CommWorld)
		values := []complex64{1, 2}
		complexCodes[rank] = table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&values[0]), 2, table.Complex64, table.OpMax, table.CommWorld)
	})
	assert.Equal(t, []int32{mpiabi.ErrOp, mpiabi.ErrOp}, boolCodes)
	assert.Equal(t, []int32{mpiabi.ErrOp, mpiabi.ErrOp}, complexCodes)
}

func TestUserOpOnDerivedType(t *testing.T) {
	w := New(4)
	// Non-commutative operator that concatenates decimal digits, recording the order of combination.
	concat := func(in, inout unsafe.Pointer, n int) {
		ins := unsafe.Slice((*uint16)(in), n)
		inouts := unsafe.Slice((*uint16)(inout), n)
		for i := range ins {
			shift := uint16(1)
			for shift <= inouts[i] {
				shift *= 10
			}
			inouts[i] = ins[i]*shift + inouts[i]
		}
	}
	results := make([]uint16, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		var dt mpiabi.Datatype
		require.Equal(t, mpiabi.Success, table.TypeContiguous(2, table.Uint8, &dt))
		values := []uint16{uint16(rank + 1)}
		assert.Equal(t, mpiabi.ErrType, table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&values[0]), 1, dt, table.OpSum, table.CommWorld),
			"uncommitted type")
		require.Equal(t, mpiabi.Success, table.TypeCommit(&dt))
		var op mpiabi.Op
		require.Equal(t, mpiabi.Success, table.OpCreate(concat, false, &op))
		require.Equal(t, mpiabi.Success, table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&values[0]), 1, dt, op, table.CommWorld))
		results[rank] = values[0]
	})
	for _, result := range results {
		assert.Equal(t, uint16(1234), result)
	}
	assert.Equal(t, 4, w.NumUserOps())
	assert.Equal(t, 4, w.NumDerivedTypes())
}

func TestAllgather(t *testing.T) {
	w := New(3)
	results := make([][]int32, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		send := []int32{int32(rank), int32(rank * rank)}
		recv := make([]int32, 2*3)
		code := table.Allgather(unsafe.Pointer(&send[0]), 2, table.Int32, unsafe.Pointer(&recv[0]), 2, table.Int32, table.CommWorld)
		assert.Equal(t, mpiabi.Success, code)
		results[rank] = recv
	})
	for _, result := range results {
		assert.Equal(t, []int32{0, 0, 1, 1, 2, 4}, result)
	}
}

func TestCommSplit(t *testing.T) {
	w := New(5)
	type view struct {
		rank, size int32
		null       bool
	}
	views := make([]view, w.Size())
	sums := make([]int32, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		color := int32(rank % 2)
		if rank == 4 {
			color = mpiabi.Undefined
		}
		// Reverse the order within each color.
		key := int32(-rank)
		var sub mpiabi.Comm
		require.Equal(t, mpiabi.Success, table.CommSplit(table.CommWorld, color, key, &sub))
		if sub == mpiabi.CommNull {
			views[rank] = view{null: true}
			return
		}
		var subRank, subSize int32
		require.Equal(t, mpiabi.Success, table.CommRank(sub, &subRank))
		require.Equal(t, mpiabi.Success, table.CommSize(sub, &subSize))
		views[rank] = view{rank: subRank, size: subSize}

		values := []int32{int32(rank)}
		require.Equal(t, mpiabi.Success, table.Allreduce(mpiabi.InPlace, unsafe.Pointer(&values[0]), 1, table.Int32, table.OpSum, sub))
		sums[rank] = values[0]
		require.Equal(t, mpiabi.Success, table.CommFree(&sub))
		assert.Equal(t, mpiabi.CommNull, sub)
	})
	assert.Equal(t, []view{{1, 2, false}, {1, 2, false}, {0, 2, false}, {0, 2, false}, {null: true}}, views)
	assert.Equal(t, []int32{2, 4, 2, 4, 0}, sums)
	assert.Equal(t, 4, w.NumFreedComms())
}

func TestCommSplitInvalidColor(t *testing.T) {
	w := New(2)
	codes := make([]int32, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		var sub mpiabi.Comm
		codes[rank] = table.CommSplit(table.CommWorld, int32(-2+rank), 0, &sub)
	})
	assert.Equal(t, []int32{mpiabi.ErrArg, mpiabi.ErrArg}, codes)
}

func TestHandlesAreProcessLocal(t *testing.T) {
	w := New(2)
	t0, t1 := w.Table(0), w.Table(1)
	require.Equal(t, mpiabi.Success, t1.Init(nil, nil))
	var rank int32
	assert.Equal(t, mpiabi.ErrComm, t1.CommRank(t0.CommWorld, &rank))
	assert.Equal(t, mpiabi.Success, t1.CommRank(t1.CommWorld, &rank))
	assert.Equal(t, int32(1), rank)
}

func TestSendRecv(t *testing.T) {
	w := New(3)
	received := make([][]float64, w.Size())
	statuses := make([]mpiabi.Status, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		switch rank {
		case 0:
			for i := range 2 {
				data := []float64{float64(i), float64(i) + 0.5}
				require.Equal(t, mpiabi.Success, table.Send(unsafe.Pointer(&data[0]), 2, table.Double, 2, 7, table.CommWorld))
			}
			data := []float64{-1}
			assert.Equal(t, mpiabi.ErrRank, table.Send(unsafe.Pointer(&data[0]), 1, table.Double, 3, 0, table.CommWorld))
			assert.Equal(t, mpiabi.ErrTag, table.Send(unsafe.Pointer(&data[0]), 1, table.Double, 1, -5, table.CommWorld))
		case 2:
			buf := make([]float64, 4)
			require.Equal(t, mpiabi.Success, table.Recv(unsafe.Pointer(&buf[0]), 2, table.Double, 0, 7, table.CommWorld, &statuses[rank]))
			require.Equal(t, mpiabi.Success, table.Recv(unsafe.Pointer(&buf[2]), 2, table.Double, mpiabi.AnySource, mpiabi.AnyTag, table.CommWorld, nil))
			received[rank] = buf
		}
	})
	assert.Equal(t, []float64{0, 0.5, 1, 1.5}, received[2])
	assert.Equal(t, mpiabi.Status{Source: 0, Tag: 7, UCount: 16}, statuses[2])
}

func TestRecvTruncate(t *testing.T) {
	w := New(2)
	codes := make([]int32, w.Size())
	runRanks(t, w, func(rank int, table *mpiabi.Table) {
		if rank == 0 {
			data := []int8{1, 2, 3}
			codes[rank] = table.Send(unsafe.Pointer(&data[0]), 3, table.Int8, 1, 0, table.CommWorld)
			return
		}
		buf := make([]int8, 2)
		var status mpiabi.Status
		codes[rank] = table.Recv(unsafe.Pointer(&buf[0]), 2, table.Int8, 0, 0, table.CommWorld, &status)
		assert.Equal(t, []int8{1, 2}, buf)
		assert.Equal(t, mpiabi.ErrTruncate, status.Error)
	})
	assert.Equal(t, []int32{mpiabi.Success, mpiabi.ErrTruncate}, codes)
}
