// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements Buffer, a host memory buffer with a shape, used as input and output of
// encapsulated computations.
//
// The identity of a Buffer is its pointer: two *Buffer values refer to the same logical buffer if and
// only if they are the same pointer. The executable caches compare buffers by identity (never by value)
// to decide whether a device tensor bound to a previous call can be reused without copying.
//
// Callers that overwrite the contents of a Buffer in place, and then use it again as an input, must tell
// the freshness tracker about it (see encapsulate.Tracker.MarkStale), otherwise a stale device copy may
// be reused.
package buffers

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer is a flat host memory storage with a shape.
type Buffer struct {
	shape shapes.Shape
	data  []byte
}

// New allocates a zero-initialized Buffer for the given shape.
func New(shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		exceptions.Panicf("buffers.New(%s): invalid shape", shape)
	}
	return &Buffer{
		shape: shape.Clone(),
		data:  make([]byte, shape.Memory()),
	}
}

// FromBytes creates a Buffer that uses data as its storage, without copying.
//
// It panics if len(data) doesn't match the memory required by shape.
func FromBytes(shape shapes.Shape, data []byte) *Buffer {
	if uintptr(len(data)) != shape.Memory() {
		exceptions.Panicf("buffers.FromBytes(%s): shape requires %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	return &Buffer{shape: shape.Clone(), data: data}
}

// FromFlat creates a Buffer with the given dimensions that uses flat as its storage, without copying.
// If no dimensions are given, flat is taken as a vector.
//
// It panics if the number of elements in flat doesn't match the dimensions.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Buffer {
	if len(dimensions) == 0 {
		dimensions = []int{len(flat)}
	}
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("buffers.FromFlat(%s): shape requires %d elements, got %d", shape, shape.Size(), len(flat))
	}
	var data []byte
	if len(flat) > 0 {
		var zero T
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
	}
	return &Buffer{shape: shape, data: data}
}

// Flat returns a view of the Buffer storage as a slice of T. The returned slice aliases the buffer.
//
// It panics if T doesn't match the buffer dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	if b.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("buffers.Flat[%T] is incompatible with Buffer's dtype %s", v, b.shape.DType)
	}
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b.data))), b.shape.Size())
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Bytes returns the storage of the buffer. It is not a copy: changes to it change the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// SizeInBytes returns the length of the buffer storage.
func (b *Buffer) SizeInBytes() int { return len(b.data) }

// String implements fmt.Stringer. It prints the identity (address) and shape, not the contents.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(%p, %s)", b, b.shape)
}
