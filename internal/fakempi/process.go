// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fakempi

import (
	"slices"
	"unsafe"

	"github.com/gomlx/collectives/internal/mpiabi"
)

// process implements the mpiabi.Table functions for one world rank.
type process struct {
	w    *World
	rank int
}

func (p *process) getLibraryVersion(version *byte, length *int32) int32 {
	buf := unsafe.Slice(version, mpiabi.MaxLibraryVersionString)
	n := copy(buf[:mpiabi.MaxLibraryVersionString-1], p.w.version)
	buf[n] = 0
	*length = int32(n)
	return mpiabi.Success
}

func (p *process) init(_, _ unsafe.Pointer) int32 {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	state := p.w.ranks[p.rank]
	if code, found := state.failures["MPI_Init"]; found {
		delete(state.failures, "MPI_Init")
		return code
	}
	if state.initialized {
		// MPI_Init can only be called once per process, even after MPI_Finalize.
		return mpiabi.ErrOther
	}
	state.initialized = true
	return mpiabi.Success
}

func (p *process) finalize() int32 {
	if code := p.w.enter(p.rank, "MPI_Finalize"); code != mpiabi.Success {
		return code
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	p.w.ranks[p.rank].finalized = true
	return mpiabi.Success
}

func (p *process) commRank(comm mpiabi.Comm, rank *int32) int32 {
	if code := p.w.enter(p.rank, "MPI_Comm_rank"); code != mpiabi.Success {
		return code
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	*rank = int32(m.rank)
	return mpiabi.Success
}

func (p *process) commSize(comm mpiabi.Comm, size *int32) int32 {
	if code := p.w.enter(p.rank, "MPI_Comm_size"); code != mpiabi.Success {
		return code
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	*size = int32(m.comm.size)
	return mpiabi.Success
}

type splitArgs struct {
	color, key int32
}

func (p *process) commSplit(comm mpiabi.Comm, color, key int32, newComm *mpiabi.Comm) int32 {
	if code := p.w.enter(p.rank, "MPI_Comm_split"); code != mpiabi.Success {
		return code
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	parent := m.comm
	output, code := parent.collective(m.rank, "MPI_Comm_split", splitArgs{color, key},
		func(contributions []any) collectiveResult {
			byColor := make(map[int32][]int)
			var colors []int32
			for rank, contribution := range contributions {
				args := contribution.(splitArgs)
				if args.color == mpiabi.Undefined {
					continue
				}
				if args.color < 0 {
					return collectiveResult{code: mpiabi.ErrArg}
				}
				if _, found := byColor[args.color]; !found {
					colors = append(colors, args.color)
				}
				byColor[args.color] = append(byColor[args.color], rank)
			}
			outputs := make([]any, len(contributions))
			for i := range outputs {
				outputs[i] = mpiabi.CommNull
			}
			p.w.mu.Lock()
			defer p.w.mu.Unlock()
			for _, c := range colors {
				ranks := byColor[c]
				// Ranks are already in increasing order, so a stable sort by key breaks ties by rank.
				slices.SortStableFunc(ranks, func(a, b int) int {
					return int(contributions[a].(splitArgs).key) - int(contributions[b].(splitArgs).key)
				})
				sub := p.w.newCommunicator(len(ranks))
				for newRank, oldRank := range ranks {
					sub.owner[newRank] = parent.owner[oldRank]
					outputs[oldRank] = p.w.addMemberLocked(sub, newRank)
				}
			}
			return collectiveResult{outputs: outputs}
		})
	if code != mpiabi.Success {
		return code
	}
	*newComm = output.(mpiabi.Comm)
	return mpiabi.Success
}

func (p *process) commFree(comm *mpiabi.Comm) int32 {
	if code := p.w.enter(p.rank, "MPI_Comm_free"); code != mpiabi.Success {
		return code
	}
	m, code := p.w.lookupMember(*comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if m.comm == p.w.world {
		return mpiabi.ErrComm
	}
	delete(p.w.members, *comm)
	p.w.numFreed++
	*comm = mpiabi.CommNull
	return mpiabi.Success
}

type reduceArgs struct {
	data  []byte
	count int
	dt    *datatype
	op    *operator
}

func (p *process) allreduce(sendBuf uintptr, recvBuf unsafe.Pointer, count int32, dtHandle mpiabi.Datatype,
	opHandle mpiabi.Op, comm mpiabi.Comm) int32 {
	if code := p.w.enter(p.rank, "MPI_Allreduce"); code != mpiabi.Success {
		return code
	}
	if count < 0 {
		return mpiabi.ErrCount
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	dt, code := p.w.lookupDatatype(dtHandle)
	if code != mpiabi.Success {
		return code
	}
	op, code := p.w.lookupOperator(opHandle)
	if code != mpiabi.Success {
		return code
	}
	numBytes := int(count) * dt.size
	recv := bytesAt(recvBuf, numBytes)
	var send []byte
	if sendBuf == mpiabi.InPlace {
		send = slices.Clone(recv)
	} else {
		send = slices.Clone(bytesAt(unsafe.Pointer(sendBuf), numBytes))
	}

	output, code := m.comm.collective(m.rank, "MPI_Allreduce", reduceArgs{send, int(count), dt, op},
		func(contributions []any) collectiveResult {
			first := contributions[0].(reduceArgs)
			for _, c := range contributions {
				if args := c.(reduceArgs); args.count != first.count || args.dt.size != first.dt.size {
					return collectiveResult{code: mpiabi.ErrTruncate}
				}
			}
			// Reduce in rank order: acc = c[0] op (c[1] op (... op c[n-1])).
			last := contributions[len(contributions)-1].(reduceArgs)
			acc := slices.Clone(last.data)
			for rank := len(contributions) - 2; rank >= 0; rank-- {
				in := contributions[rank].(reduceArgs).data
				if code := apply(first.op, first.dt, in, acc, first.count); code != mpiabi.Success {
					return collectiveResult{code: code}
				}
			}
			outputs := make([]any, len(contributions))
			for i := range outputs {
				outputs[i] = acc
			}
			return collectiveResult{outputs: outputs}
		})
	if code != mpiabi.Success {
		return code
	}
	copy(recv, output.([]byte))
	return mpiabi.Success
}

type gatherArgs struct {
	data []byte
}

func (p *process) allgather(sendBuf unsafe.Pointer, sendCount int32, sendType mpiabi.Datatype,
	recvBuf unsafe.Pointer, recvCount int32, recvType mpiabi.Datatype, comm mpiabi.Comm) int32 {
	if code := p.w.enter(p.rank, "MPI_Allgather"); code != mpiabi.Success {
		return code
	}
	if sendCount < 0 || recvCount < 0 {
		return mpiabi.ErrCount
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	sendDT, code := p.w.lookupDatatype(sendType)
	if code != mpiabi.Success {
		return code
	}
	recvDT, code := p.w.lookupDatatype(recvType)
	if code != mpiabi.Success {
		return code
	}
	sendBytes := int(sendCount) * sendDT.size
	blockBytes := int(recvCount) * recvDT.size
	if sendBytes != blockBytes {
		return mpiabi.ErrTruncate
	}
	send := slices.Clone(bytesAt(sendBuf, sendBytes))
	output, code := m.comm.collective(m.rank, "MPI_Allgather", gatherArgs{send},
		func(contributions []any) collectiveResult {
			var all []byte
			for _, c := range contributions {
				data := c.(gatherArgs).data
				if len(data) != sendBytes {
					return collectiveResult{code: mpiabi.ErrTruncate}
				}
				all = append(all, data...)
			}
			outputs := make([]any, len(contributions))
			for i := range outputs {
				outputs[i] = all
			}
			return collectiveResult{outputs: outputs}
		})
	if code != mpiabi.Success {
		return code
	}
	copy(bytesAt(recvBuf, blockBytes*m.comm.size), output.([]byte))
	return mpiabi.Success
}

func (p *process) send(buf unsafe.Pointer, count int32, dtHandle mpiabi.Datatype, dest, tag int32, comm mpiabi.Comm) int32 {
	if code := p.w.enter(p.rank, "MPI_Send"); code != mpiabi.Success {
		return code
	}
	if count < 0 {
		return mpiabi.ErrCount
	}
	if tag < 0 {
		return mpiabi.ErrTag
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	if dest < 0 || int(dest) >= m.comm.size {
		return mpiabi.ErrRank
	}
	dt, code := p.w.lookupDatatype(dtHandle)
	if code != mpiabi.Success {
		return code
	}
	data := slices.Clone(bytesAt(buf, int(count)*dt.size))
	m.comm.post(m.rank, int(dest), message{tag: tag, data: data})
	return mpiabi.Success
}

func (p *process) recv(buf unsafe.Pointer, count int32, dtHandle mpiabi.Datatype, source, tag int32,
	comm mpiabi.Comm, status *mpiabi.Status) int32 {
	if code := p.w.enter(p.rank, "MPI_Recv"); code != mpiabi.Success {
		return code
	}
	if count < 0 {
		return mpiabi.ErrCount
	}
	m, code := p.w.lookupMember(comm, p.rank)
	if code != mpiabi.Success {
		return code
	}
	if source != mpiabi.AnySource && (source < 0 || int(source) >= m.comm.size) {
		return mpiabi.ErrRank
	}
	dt, code := p.w.lookupDatatype(dtHandle)
	if code != mpiabi.Success {
		return code
	}
	msg, from := m.comm.take(int(source), m.rank, tag)
	capacity := int(count) * dt.size
	code = mpiabi.Success
	if len(msg.data) > capacity {
		code = mpiabi.ErrTruncate
	}
	n := copy(bytesAt(buf, capacity), msg.data)
	if status != nil {
		*status = mpiabi.Status{Source: int32(from), Tag: msg.tag, Error: code, UCount: uintptr(n)}
	}
	return code
}

func (p *process) typeContiguous(count int32, oldType mpiabi.Datatype, newType *mpiabi.Datatype) int32 {
	if code := p.w.enter(p.rank, "MPI_Type_contiguous"); code != mpiabi.Success {
		return code
	}
	if count < 0 {
		return mpiabi.ErrCount
	}
	p.w.mu.Lock()
	old, found := p.w.datatypes[oldType]
	p.w.mu.Unlock()
	if !found {
		return mpiabi.ErrType
	}
	*newType = p.w.addDatatype(&datatype{name: "contiguous(" + old.name + ")", size: int(count) * old.size})
	p.w.mu.Lock()
	p.w.numDerivedTypes++
	p.w.mu.Unlock()
	return mpiabi.Success
}

func (p *process) typeCommit(dt *mpiabi.Datatype) int32 {
	if code := p.w.enter(p.rank, "MPI_Type_commit"); code != mpiabi.Success {
		return code
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	typ, found := p.w.datatypes[*dt]
	if !found {
		return mpiabi.ErrType
	}
	typ.committed = true
	return mpiabi.Success
}

func (p *process) opCreate(fn mpiabi.UserFunction, commute bool, op *mpiabi.Op) int32 {
	if code := p.w.enter(p.rank, "MPI_Op_create"); code != mpiabi.Success {
		return code
	}
	if fn == nil {
		return mpiabi.ErrArg
	}
	*op = p.w.addOperator(&operator{kind: opUser, fn: fn, commute: commute})
	p.w.mu.Lock()
	p.w.numUserOps++
	p.w.mu.Unlock()
	return mpiabi.Success
}
