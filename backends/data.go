// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/bridge/types/shapes"

// Tensor is a buffer bound on the backend, used as input or output of an Executable.
//
// For backends that HasSharedBuffers, a Tensor created over host memory aliases it, and Write/Read are
// plain copies to/from that memory.
type Tensor interface {
	// Shape of the tensor.
	Shape() shapes.Shape

	// SizeInBytes is the memory used by the tensor data.
	SizeInBytes() int

	// Write transfers len(src) bytes from host memory into the tensor, starting at its beginning.
	// len(src) must be SizeInBytes().
	Write(src []byte) error

	// Read transfers the contents of the tensor into dst. len(dst) must be SizeInBytes().
	Read(dst []byte) error

	// IsStale reports whether the tensor contents may be out of sync with its logical source.
	IsStale() bool

	// SetStale sets the staleness flag. It is only bookkeeping: it doesn't move any data.
	SetStale(stale bool)

	// Finalize releases the tensor memory immediately. A finalized tensor must not be used again.
	Finalize()
}
