// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers defines Buffer, a reference to flat host memory holding elements of one DType.
//
// A Buffer is what the collective operations read from and write to: a raw pointer, an element
// count and a dtype tag. Collectives never copy or take ownership of the storage.
//
// Buffers written by operations queued on a stream carry an Event: Wait blocks until the last
// queued writer finished and returns its error, if any.
package buffers

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/support/xsync"
	"github.com/gomlx/exceptions"
)

// Buffer is a typed view over flat host memory.
type Buffer struct {
	dtype dtypes.DType
	size  int
	data  unsafe.Pointer

	// flat keeps the Go storage alive while the buffer is referenced.
	flat any

	mu    sync.Mutex
	event *Event
}

// New allocates a zero-initialized Buffer with size elements of the given dtype.
func New(dtype dtypes.DType, size int) *Buffer {
	if !dtype.IsValid() {
		exceptions.Panicf("buffers.New: invalid dtype %s", dtype)
	}
	if size < 0 {
		exceptions.Panicf("buffers.New: negative size %d", size)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size)
	b := &Buffer{dtype: dtype, size: size, flat: flat.Interface()}
	if size > 0 {
		b.data = flat.UnsafePointer()
	}
	return b
}

// FromFlat returns a Buffer that shares the storage of the given slice.
// The slice must not be resized while the Buffer is in use.
func FromFlat[T dtypes.Supported](flat []T) *Buffer {
	b := &Buffer{dtype: dtypes.FromGenericsType[T](), size: len(flat), flat: flat}
	if len(flat) > 0 {
		b.data = unsafe.Pointer(unsafe.SliceData(flat))
	}
	return b
}

// FromPointer wraps memory owned by someone else (e.g. allocated by C code).
// The caller is responsible for keeping it valid while the Buffer is in use.
func FromPointer(data unsafe.Pointer, size int, dtype dtypes.DType) *Buffer {
	if !dtype.IsValid() {
		exceptions.Panicf("buffers.FromPointer: invalid dtype %s", dtype)
	}
	if data == nil && size > 0 {
		exceptions.Panicf("buffers.FromPointer: nil data for %d elements", size)
	}
	return &Buffer{dtype: dtype, size: size, data: data}
}

// Like allocates a new zero-initialized Buffer with the same dtype and size as b.
func Like(b *Buffer) *Buffer {
	return New(b.dtype, b.size)
}

// DType of the elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Size returns the number of elements.
func (b *Buffer) Size() int { return b.size }

// NumBytes returns the memory used by the elements.
func (b *Buffer) NumBytes() int { return b.size * b.dtype.Size() }

// Data returns the raw pointer to the first element, or nil for empty buffers.
// Two buffers with the same Data are the same storage.
func (b *Buffer) Data() unsafe.Pointer { return b.data }

// Bytes returns the raw storage as a byte slice (no copy).
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.data), b.NumBytes())
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s[%d])", b.dtype, b.size)
}

// Flat returns the elements of b as a []T sharing its storage.
// It panics if T doesn't match the buffer's dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	if want := dtypes.FromGenericsType[T](); want != b.dtype {
		exceptions.Panicf("buffers.Flat: buffer has dtype %s, requested %s", b.dtype, want)
	}
	if b.data == nil {
		return nil
	}
	return unsafe.Slice((*T)(b.data), b.size)
}

// CopyFrom copies the contents of src into b. They must have the same dtype and size.
func (b *Buffer) CopyFrom(src *Buffer) {
	if src.dtype != b.dtype || src.size != b.size {
		exceptions.Panicf("buffers.CopyFrom: cannot copy %s into %s", src, b)
	}
	if b.data == src.data {
		return
	}
	copy(b.Bytes(), src.Bytes())
}

// SetEvent registers the event of the last operation queued to write into b.
func (b *Buffer) SetEvent(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.event = e
}

// Event returns the event of the last operation queued to write into b, or nil.
func (b *Buffer) Event() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.event
}

// Wait blocks until the last operation queued to write into b is done, and returns its error.
// It returns immediately if no writer was ever queued.
//
// Notice a collective that never completes (e.g. a peer never joins it) blocks Wait forever.
func (b *Buffer) Wait() error {
	e := b.Event()
	if e == nil {
		return nil
	}
	return e.Wait()
}

// Event marks the completion of a queued operation.
type Event struct {
	done *xsync.Latch
	err  error
}

// NewEvent returns an event not yet signaled.
func NewEvent() *Event {
	return &Event{done: xsync.NewLatch()}
}

// Signal marks the event as done, with the operation's error (nil on success).
// Only the first call has any effect.
func (e *Event) Signal(err error) {
	if e.done.Test() {
		return
	}
	e.err = err
	e.done.Trigger()
}

// Wait blocks until the event is signaled and returns the operation's error.
func (e *Event) Wait() error {
	e.done.Wait()
	return e.err
}

// Done returns a channel closed when the event is signaled.
func (e *Event) Done() <-chan struct{} {
	return e.done.WaitChan()
}

// IsDone returns whether the event was already signaled.
func (e *Event) IsDone() bool {
	return e.done.Test()
}
