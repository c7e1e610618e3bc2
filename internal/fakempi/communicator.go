// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fakempi

import (
	"sync"

	"github.com/gomlx/collectives/internal/mpiabi"
)

// communicator is the state shared by all members of a simulated communicator.
type communicator struct {
	id   int
	size int

	// owner maps the rank in this communicator to the world rank of the simulated process.
	owner []int

	mu     sync.Mutex
	cond   *sync.Cond
	seq    []int
	rounds map[int]*round
	mail   map[route][]message
}

type route struct{ src, dst int }

type message struct {
	tag  int32
	data []byte
}

// round is one collective call, gathering the contribution of every member.
type round struct {
	function      string
	mismatch      bool
	contributions []any
	arrived       int
	done          bool
	readers       int
	result        any
}

// collectiveResult is what compute functions return: per-rank outputs or an error code for all.
type collectiveResult struct {
	code    int32
	outputs []any
}

func (w *World) newCommunicator(size int) *communicator {
	w.nextCommID++
	c := &communicator{
		id:     w.nextCommID,
		size:   size,
		owner:  make([]int, size),
		seq:    make([]int, size),
		rounds: make(map[int]*round),
		mail:   make(map[route][]message),
	}
	for i := range c.owner {
		c.owner[i] = i
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// collective blocks until every member called the collective with the same sequence number, then
// returns the output computed for rank. compute runs once, on the last member to arrive, with the
// communicator locked.
//
// Members calling different functions for the same sequence number all get MPI_ERR_OTHER, instead
// of the undefined behavior of a real job.
func (c *communicator) collective(rank int, function string, contribution any,
	compute func(contributions []any) collectiveResult) (any, int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq[rank]
	c.seq[rank]++
	r := c.rounds[seq]
	if r == nil {
		r = &round{function: function, contributions: make([]any, c.size)}
		c.rounds[seq] = r
	}
	if r.function != function {
		r.mismatch = true
	}
	r.contributions[rank] = contribution
	r.arrived++
	if r.arrived == c.size {
		if r.mismatch {
			r.result = collectiveResult{code: mpiabi.ErrOther}
		} else {
			r.result = compute(r.contributions)
		}
		r.done = true
		c.cond.Broadcast()
	}
	for !r.done {
		c.cond.Wait()
	}
	r.readers++
	if r.readers == c.size {
		delete(c.rounds, seq)
	}
	result := r.result.(collectiveResult)
	if result.code != mpiabi.Success {
		return nil, result.code
	}
	return result.outputs[rank], mpiabi.Success
}

// post appends a message to the (src, dst) queue.
func (c *communicator) post(src, dst int, msg message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := route{src, dst}
	c.mail[key] = append(c.mail[key], msg)
	c.cond.Broadcast()
}

// take blocks until a message from src (or any source if src is AnySource) matching tag arrives at
// dst, removes it from its queue and returns it with its source.
func (c *communicator) take(src, dst int, tag int32) (message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for source := range c.size {
			if src != int(mpiabi.AnySource) && source != src {
				continue
			}
			key := route{source, dst}
			queue := c.mail[key]
			for i, msg := range queue {
				if tag != mpiabi.AnyTag && msg.tag != tag {
					continue
				}
				c.mail[key] = append(queue[:i:i], queue[i+1:]...)
				return msg, source
			}
		}
		c.cond.Wait()
	}
}
