// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package streams

import (
	"github.com/gomlx/collectives/pkg/core/buffers"
	"k8s.io/klog/v2"
)

// CommandEncoder builds tasks for a stream: declare the buffers a task reads (SetInput) and writes
// (SetOutput), then Dispatch it. After Dispatch the encoder is empty and can be reused.
//
// A CommandEncoder is not safe for concurrent use.
type CommandEncoder struct {
	stream  *Stream
	inputs  []*buffers.Buffer
	outputs []*buffers.Buffer
}

// GetCommandEncoder returns an encoder for the given stream.
// If stream is nil the Default stream is used.
func GetCommandEncoder(stream *Stream) *CommandEncoder {
	if stream == nil {
		stream = Default()
	}
	return &CommandEncoder{stream: stream}
}

// Stream returns the stream the encoder dispatches to.
func (e *CommandEncoder) Stream() *Stream { return e.stream }

// SetInput declares a buffer read by the next dispatched task.
func (e *CommandEncoder) SetInput(b *buffers.Buffer) {
	e.inputs = append(e.inputs, b)
}

// SetOutput declares a buffer written by the next dispatched task.
func (e *CommandEncoder) SetOutput(b *buffers.Buffer) {
	e.outputs = append(e.outputs, b)
}

// Dispatch queues fn on the stream, after the tasks already queued there and after any pending
// writer (on any stream) of the declared buffers. It doesn't wait for fn to execute.
//
// The error returned by fn (or a panic) is reported by Wait on the output buffers, by the returned
// event and by the stream's Synchronize.
// Dispatch itself only fails if the stream is closed.
func (e *CommandEncoder) Dispatch(fn func() error) (*buffers.Event, error) {
	t := &task{fn: fn, event: buffers.NewEvent(), outputs: e.outputs}
	for _, list := range [][]*buffers.Buffer{e.inputs, e.outputs} {
		for _, b := range list {
			if dep := b.Event(); dep != nil && !dep.IsDone() {
				t.deps = append(t.deps, dep)
			}
		}
	}
	e.inputs, e.outputs = nil, nil

	// Outputs are marked before enqueuing, so a Wait issued right after Dispatch covers this task.
	previous := make([]*buffers.Event, len(t.outputs))
	for i, b := range t.outputs {
		previous[i] = b.Event()
		b.SetEvent(t.event)
	}
	if err := e.stream.enqueue(t); err != nil {
		for i, b := range t.outputs {
			b.SetEvent(previous[i])
		}
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("stream %s: dispatched task with %d dependencies and %d outputs", e.stream, len(t.deps), len(t.outputs))
	}
	return t.event, nil
}
