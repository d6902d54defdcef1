// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a buffer or of a tensor bound on a backend.
//
// DType is the enumeration of github.com/gomlx/gopjrt/dtypes, so the element sizes match what the
// accelerator backends use.
//
// Example: a buffer holding `[][]int32{{0, 1, 2}, {3, 4, 5}}` has shape `(Int32)[2 3]`, rank 2,
// axis 0 with dimension 2 and axis 1 with dimension 3. It can be created with
// `shapes.Make(dtypes.Int32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the dtype and dimensions of a buffer.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions of size 0 are accepted (empty buffers are legal inputs and outputs of a computation),
// negative dimensions panic.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by anything that carries a Shape: buffers, backend tensors, shapes themselves.
type HasShape interface {
	Shape() Shape
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a flat array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// AppendDimensions writes the dimensions of the shape to sb, each followed by ",".
// A scalar writes nothing.
func (s Shape) AppendDimensions(sb *strings.Builder) {
	for _, dim := range s.Dimensions {
		sb.WriteString(strconv.Itoa(dim))
		sb.WriteByte(',')
	}
}
