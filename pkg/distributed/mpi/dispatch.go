// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"math"
	"runtime"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// count converts the number of elements of b to an MPI count.
func count(b *buffers.Buffer) (int32, error) {
	if b.Size() > math.MaxInt32 {
		return 0, errors.Errorf("%s too large for MPI, it takes at most %d elements", b, math.MaxInt32)
	}
	return int32(b.Size()), nil
}

func (g *Group) allReduce(kind ReduceKind, in, out *buffers.Buffer, stream *streams.Stream) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if in.DType() != out.DType() || in.Size() != out.Size() {
		return errors.Errorf("mpi.All%s: input %s and output %s must have the same dtype and size", kind, in, out)
	}
	dt, err := g.lib.datatypeFor(in.DType())
	if err != nil {
		return errors.WithMessagef(err, "mpi.All%s", kind)
	}
	n, err := count(in)
	if err != nil {
		return err
	}
	op := g.lib.operatorFor(kind, in.DType())
	table, comm := g.lib.table, g.comm
	inPlace := in.Data() == out.Data()
	sendPtr, recvPtr := in.Data(), out.Data()

	encoder := streams.GetCommandEncoder(stream)
	encoder.SetInput(in)
	encoder.SetOutput(out)
	err = g.dispatch(encoder, func() error {
		sendBuf := mpiabi.InPlace
		if !inPlace {
			sendBuf = uintptr(sendPtr)
		}
		code := table.Allreduce(sendBuf, recvPtr, n, dt, op, comm)
		runtime.KeepAlive(sendPtr)
		return check("MPI_Allreduce", code)
	})
	klog.V(2).Infof("mpi: dispatched All%s(%s, inPlace=%v) to %s", kind, in, inPlace, encoder.Stream())
	return err
}

// AllSum implements distributed.Group.
func (g *Group) AllSum(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.allReduce(ReduceSum, in, out, stream)
}

// AllMax implements distributed.Group.
func (g *Group) AllMax(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.allReduce(ReduceMax, in, out, stream)
}

// AllMin implements distributed.Group.
func (g *Group) AllMin(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.allReduce(ReduceMin, in, out, stream)
}

// AllGather implements distributed.Group.
func (g *Group) AllGather(in, out *buffers.Buffer, stream *streams.Stream) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if in.DType() != out.DType() || out.Size() < in.Size()*g.Size() {
		return errors.Errorf("mpi.AllGather: output %s can't hold %d times the input %s", out, g.Size(), in)
	}
	dt, err := g.lib.datatypeFor(in.DType())
	if err != nil {
		return errors.WithMessage(err, "mpi.AllGather")
	}
	n, err := count(in)
	if err != nil {
		return err
	}
	table, comm := g.lib.table, g.comm
	sendPtr, recvPtr := in.Data(), out.Data()

	encoder := streams.GetCommandEncoder(stream)
	encoder.SetInput(in)
	encoder.SetOutput(out)
	err = g.dispatch(encoder, func() error {
		return check("MPI_Allgather", table.Allgather(sendPtr, n, dt, recvPtr, n, dt, comm))
	})
	klog.V(2).Infof("mpi: dispatched AllGather(%s) to %s", in, encoder.Stream())
	return err
}

// Send implements distributed.Group. Messages are sent with tag 0.
func (g *Group) Send(in *buffers.Buffer, dst int, stream *streams.Stream) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	dt, err := g.lib.datatypeFor(in.DType())
	if err != nil {
		return errors.WithMessage(err, "mpi.Send")
	}
	n, err := count(in)
	if err != nil {
		return err
	}
	table, comm := g.lib.table, g.comm
	data := in.Data()

	encoder := streams.GetCommandEncoder(stream)
	encoder.SetInput(in)
	err = g.dispatch(encoder, func() error {
		return check("MPI_Send", table.Send(data, n, dt, int32(dst), 0, comm))
	})
	klog.V(2).Infof("mpi: dispatched Send(%s, dst=%d) to %s", in, dst, encoder.Stream())
	return err
}

// Recv implements distributed.Group. It accepts a message with any tag.
func (g *Group) Recv(out *buffers.Buffer, src int, stream *streams.Stream) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	dt, err := g.lib.datatypeFor(out.DType())
	if err != nil {
		return errors.WithMessage(err, "mpi.Recv")
	}
	n, err := count(out)
	if err != nil {
		return err
	}
	table, comm := g.lib.table, g.comm
	data := out.Data()

	encoder := streams.GetCommandEncoder(stream)
	encoder.SetOutput(out)
	err = g.dispatch(encoder, func() error {
		var status mpiabi.Status
		return check("MPI_Recv", table.Recv(data, n, dt, int32(src), mpiabi.AnyTag, comm, &status))
	})
	klog.V(2).Infof("mpi: dispatched Recv(%s, src=%d) to %s", out, src, encoder.Stream())
	return err
}
