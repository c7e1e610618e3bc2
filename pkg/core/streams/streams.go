// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package streams implements ordered host-side execution timelines.
//
// A Stream executes the tasks dispatched to it one at a time, in the order they were dispatched,
// on its own goroutine. Dispatching never blocks: the caller only blocks when it demands a
// result, with buffers.Buffer.Wait or Stream.Synchronize.
//
// Tasks are dispatched through a CommandEncoder, which declares the buffers a task reads (inputs)
// and writes (outputs). A task waits for pending writers of its inputs and outputs queued on
// other streams, so buffer dependencies serialize work across streams. Tasks on different streams
// with no shared buffers have no ordering guarantee.
//
// There is no cancellation or timeout: a task that never returns blocks its stream forever.
package streams

import (
	"sync"

	"github.com/gomlx/collectives/pkg/core/buffers"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClosed is returned when dispatching to a closed stream.
var ErrClosed = errors.New("stream is closed")

// Stream is an ordered queue of host tasks.
type Stream struct {
	id   uuid.UUID
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	closed bool

	pending *xsync.DynamicWaitGroup
	stopped *xsync.Latch

	errMu sync.Mutex
	err   error
}

type task struct {
	fn      func() error
	deps    []*buffers.Event
	outputs []*buffers.Buffer
	event   *buffers.Event
}

// New creates a stream and starts its worker goroutine. The name is only used for logging.
func New(name string) *Stream {
	s := &Stream{
		id:      uuid.New(),
		name:    name,
		pending: xsync.NewDynamicWaitGroup(),
		stopped: xsync.NewLatch(),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

var (
	defaultStream     *Stream
	defaultStreamOnce sync.Once
)

// Default returns the process-wide default stream, created on first use. It is never closed.
func Default() *Stream {
	defaultStreamOnce.Do(func() {
		defaultStream = New("default")
	})
	return defaultStream
}

// Name of the stream.
func (s *Stream) Name() string { return s.name }

// ID uniquely identifies the stream.
func (s *Stream) ID() uuid.UUID { return s.id }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return s.name + "/" + s.id.String()[:8]
}

// enqueue adds the task to the end of the queue.
func (s *Stream) enqueue(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrapf(ErrClosed, "stream %s", s)
	}
	s.pending.Add(1)
	s.queue = append(s.queue, t)
	s.cond.Signal()
	return nil
}

// run is the worker loop: it executes tasks in order until the stream is closed and drained.
func (s *Stream) run() {
	defer s.stopped.Trigger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(t)
		s.pending.Done()
	}
}

func (s *Stream) execute(t *task) {
	var err error
	for _, dep := range t.deps {
		if depErr := dep.Wait(); depErr != nil {
			err = errors.WithMessage(depErr, "a dependency of the task failed")
			break
		}
	}
	if err == nil {
		exception := exceptions.Try(func() { err = t.fn() })
		if exception != nil {
			if e, ok := exception.(error); ok {
				err = errors.WithMessage(e, "task panicked")
			} else {
				err = errors.Errorf("task panicked: %v", exception)
			}
		}
	}
	if err != nil {
		klog.V(1).Infof("stream %s: task failed: %v", s, err)
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}
	t.event.Signal(err)
}

// NumPending returns the number of tasks dispatched and not yet finished.
func (s *Stream) NumPending() int {
	return s.pending.Count()
}

// Synchronize blocks until every task dispatched so far (and any dispatched while waiting) is
// finished. It returns the first error of a task since the last call to Synchronize, and clears it.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close stops accepting tasks, waits for the queued ones to finish and stops the worker.
// It returns the same as Synchronize.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	s.stopped.Wait()
	return s.Synchronize()
}
