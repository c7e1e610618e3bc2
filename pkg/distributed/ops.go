// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/pkg/errors"
)

// groupOrGlobal returns group, or the (non-strict) global group if it is nil.
func groupOrGlobal(group Group) (Group, error) {
	if group != nil {
		return group, nil
	}
	return Init(false)
}

type reduceFn func(g Group, in, out *buffers.Buffer, stream *streams.Stream) error

func reduce(name string, fn reduceFn, x *buffers.Buffer, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	group, err := groupOrGlobal(group)
	if err != nil {
		return nil, err
	}
	if group.Size() == 1 {
		return x, nil
	}
	out := buffers.Like(x)
	if err := fn(group, x, out, stream); err != nil {
		return nil, errors.WithMessagef(err, "distributed.%s(%s)", name, x)
	}
	return out, nil
}

// AllSum returns the element-wise sum of x over all ranks of group.
// If group is nil, the global group is used.
//
// The returned buffer is filled asynchronously by stream (streams.Default() if nil): use its Wait method
// to synchronize. For a group of size 1 it returns x itself.
func AllSum(x *buffers.Buffer, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	return reduce("AllSum", Group.AllSum, x, group, stream)
}

// AllMax returns the element-wise maximum of x over all ranks of group. See AllSum for details.
func AllMax(x *buffers.Buffer, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	return reduce("AllMax", Group.AllMax, x, group, stream)
}

// AllMin returns the element-wise minimum of x over all ranks of group. See AllSum for details.
func AllMin(x *buffers.Buffer, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	return reduce("AllMin", Group.AllMin, x, group, stream)
}

// AllGather returns the concatenation of x from all ranks of group, in rank order: a buffer with
// group.Size() * x.Size() elements. See AllSum for details.
func AllGather(x *buffers.Buffer, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	group, err := groupOrGlobal(group)
	if err != nil {
		return nil, err
	}
	if group.Size() == 1 {
		return x, nil
	}
	out := buffers.New(x.DType(), x.Size()*group.Size())
	if err := group.AllGather(x, out, stream); err != nil {
		return nil, errors.WithMessagef(err, "distributed.AllGather(%s)", x)
	}
	return out, nil
}

// Send x to rank dst of group. If group is nil, the global group is used.
func Send(x *buffers.Buffer, dst int, group Group, stream *streams.Stream) error {
	group, err := groupOrGlobal(group)
	if err != nil {
		return err
	}
	if dst < 0 || dst >= group.Size() {
		return errors.Errorf("distributed.Send: invalid destination rank %d for group of size %d", dst, group.Size())
	}
	return group.Send(x, dst, stream)
}

// Recv returns a new buffer with size elements of dtype, received from rank src of group.
// If group is nil, the global group is used.
func Recv(dtype dtypes.DType, size int, src int, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	group, err := groupOrGlobal(group)
	if err != nil {
		return nil, err
	}
	if src < 0 || src >= group.Size() {
		return nil, errors.Errorf("distributed.Recv: invalid source rank %d for group of size %d", src, group.Size())
	}
	out := buffers.New(dtype, size)
	if err := group.Recv(out, src, stream); err != nil {
		return nil, err
	}
	return out, nil
}

// RecvLike is like Recv, with the dtype and size of x.
func RecvLike(x *buffers.Buffer, src int, group Group, stream *streams.Stream) (*buffers.Buffer, error) {
	return Recv(x.DType(), x.Size(), src, group, stream)
}
