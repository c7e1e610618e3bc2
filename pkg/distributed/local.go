// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/pkg/errors"
)

// ErrSingleProcess is returned by the point-to-point operations of a LocalGroup.
var ErrSingleProcess = errors.New("local group has a single process, there is no other rank to talk to")

type localBackend struct{}

func (localBackend) Name() string { return LocalBackendName }

func (localBackend) IsAvailable() bool { return true }

func (localBackend) Init(bool) (Group, error) { return NewLocalGroup(), nil }

// LocalGroup is a Group with only the current process: reductions and gathers copy their input.
type LocalGroup struct{}

var _ Group = LocalGroup{}

// NewLocalGroup returns the group with only the current process.
func NewLocalGroup() LocalGroup { return LocalGroup{} }

// Rank implements Group. It is always 0.
func (LocalGroup) Rank() int { return 0 }

// Size implements Group. It is always 1.
func (LocalGroup) Size() int { return 1 }

// Split implements Group: every color yields a new local group.
func (LocalGroup) Split(color, key int) (Group, error) {
	return LocalGroup{}, nil
}

func (LocalGroup) copyOp(name string, in, out *buffers.Buffer, stream *streams.Stream) error {
	if in.DType() != out.DType() || in.Size() != out.Size() {
		return errors.Errorf("%s: input %s and output %s don't match", name, in, out)
	}
	if in.Data() == out.Data() {
		return nil
	}
	encoder := streams.GetCommandEncoder(stream)
	encoder.SetInput(in)
	encoder.SetOutput(out)
	_, err := encoder.Dispatch(func() error {
		out.CopyFrom(in)
		return nil
	})
	return err
}

// AllSum implements Group.
func (g LocalGroup) AllSum(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.copyOp("AllSum", in, out, stream)
}

// AllMax implements Group.
func (g LocalGroup) AllMax(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.copyOp("AllMax", in, out, stream)
}

// AllMin implements Group.
func (g LocalGroup) AllMin(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.copyOp("AllMin", in, out, stream)
}

// AllGather implements Group.
func (g LocalGroup) AllGather(in, out *buffers.Buffer, stream *streams.Stream) error {
	return g.copyOp("AllGather", in, out, stream)
}

// Send implements Group. It always fails with ErrSingleProcess.
func (LocalGroup) Send(in *buffers.Buffer, dst int, stream *streams.Stream) error {
	return errors.Wrapf(ErrSingleProcess, "Send to rank %d", dst)
}

// Recv implements Group. It always fails with ErrSingleProcess.
func (LocalGroup) Recv(out *buffers.Buffer, src int, stream *streams.Stream) error {
	return errors.Wrapf(ErrSingleProcess, "Recv from rank %d", src)
}

// Close implements Group. It is a no-op.
func (LocalGroup) Close() error { return nil }
