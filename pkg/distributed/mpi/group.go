// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/collectives/internal/mpiabi"
	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/core/streams"
	"github.com/gomlx/collectives/pkg/distributed"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group is a distributed.Group over an MPI communicator.
//
// The global group (from Init) wraps MPI_COMM_WORLD: closing it finalizes MPI. Groups created with
// Split own their communicator, and free it when closed.
type Group struct {
	lib    *library
	comm   mpiabi.Comm
	global bool

	// mu protects closed, and orders dispatches with Close.
	mu       sync.Mutex
	closed   bool
	inFlight inFlight

	// rank and size are queried on first use, -1 before that.
	rank, size int
}

// inFlight tracks the events of tasks dispatched but not yet finished.
type inFlight struct {
	mu     sync.Mutex
	events []*buffers.Event
}

func (f *inFlight) add(e *buffers.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = slices.DeleteFunc(f.events, (*buffers.Event).IsDone)
	f.events = append(f.events, e)
}

// wait blocks until every event added so far is signaled. Their errors are reported by the buffers.
func (f *inFlight) wait() {
	f.mu.Lock()
	events := slices.Clone(f.events)
	f.mu.Unlock()
	for _, e := range events {
		_ = e.Wait()
	}
}

var _ distributed.Group = (*Group)(nil)

func newGroup(lib *library, comm mpiabi.Comm, global bool) *Group {
	return &Group{lib: lib, comm: comm, global: global, rank: -1, size: -1}
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	if g.isClosed() {
		return "mpi.Group(closed)"
	}
	return fmt.Sprintf("mpi.Group(rank %d of %d)", g.Rank(), g.Size())
}

// IsGlobal reports whether g is the group of all processes of the job.
func (g *Group) IsGlobal() bool { return g.global }

func (g *Group) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Group) checkOpen() error {
	if g.isClosed() {
		return errClosed
	}
	return nil
}

var errClosed = errors.New("mpi.Group already closed")

// dispatch queues fn on the encoder's stream and tracks it until it finishes, so that Close
// doesn't release the communicator under a pending task.
func (g *Group) dispatch(encoder *streams.CommandEncoder, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errClosed
	}
	event, err := encoder.Dispatch(fn)
	if err != nil {
		return err
	}
	g.inFlight.add(event)
	g.lib.inFlight.add(event)
	return nil
}

// Rank implements distributed.Group.
// It panics if the group is closed or MPI fails.
func (g *Group) Rank() int {
	if g.rank < 0 {
		var rank int32
		if err := g.checkOpen(); err != nil {
			exceptions.Panicf("mpi: %v", err)
		}
		if err := check("MPI_Comm_rank", g.lib.table.CommRank(g.comm, &rank)); err != nil {
			exceptions.Panicf("mpi: %v", err)
		}
		g.rank = int(rank)
	}
	return g.rank
}

// Size implements distributed.Group.
// It panics if the group is closed or MPI fails.
func (g *Group) Size() int {
	if g.size < 0 {
		var size int32
		if err := g.checkOpen(); err != nil {
			exceptions.Panicf("mpi: %v", err)
		}
		if err := check("MPI_Comm_size", g.lib.table.CommSize(g.comm, &size)); err != nil {
			exceptions.Panicf("mpi: %v", err)
		}
		g.size = int(size)
	}
	return g.size
}

// Split implements distributed.Group. It must be called by every rank of the group.
//
// Colors must be non-negative. A negative key uses the rank in g, preserving the current order.
func (g *Group) Split(color, key int) (distributed.Group, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if color < 0 {
		return nil, errors.Wrapf(ErrSplitFailed, "color must be non-negative, got %d", color)
	}
	if key < 0 {
		key = g.Rank()
	}
	var comm mpiabi.Comm
	if err := check("MPI_Comm_split", g.lib.table.CommSplit(g.comm, int32(color), int32(key), &comm)); err != nil {
		return nil, errors.Wrapf(ErrSplitFailed, "color=%d, key=%d: %v", color, key, err)
	}
	sub := newGroup(g.lib, comm, false)
	klog.V(2).Infof("mpi: split color=%d key=%d: %s", color, key, sub)
	return sub, nil
}

// Close implements distributed.Group.
//
// It first waits for the operations already dispatched on the group to finish, on whatever stream
// they were queued: so it must not be called from a task of one of those streams.
// For derived groups it then frees the communicator. For the global group it waits for the
// operations of every group and finalizes MPI: no further MPI calls can be made in the process,
// and all other groups become invalid.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.global {
		g.lib.inFlight.wait()
		return g.lib.finalize()
	}
	g.inFlight.wait()
	return check("MPI_Comm_free", g.lib.table.CommFree(&g.comm))
}
