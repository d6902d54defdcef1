// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostmem

import (
	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor implements backends.Tensor for the hostmem backend.
type Tensor struct {
	backend   *Backend
	shape     shapes.Shape
	data      []byte
	aliased   bool
	stale     bool
	finalized bool
}

var _ backends.Tensor = &Tensor{}

func (t *Tensor) assertValid() {
	if t == nil || t.finalized {
		exceptions.Panicf("hostmem: tensor is nil or has already been finalized")
	}
}

// Shape implements backends.Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// SizeInBytes implements backends.Tensor.
func (t *Tensor) SizeInBytes() int { return len(t.data) }

// IsAliased returns whether the tensor storage is the host memory it was created with.
func (t *Tensor) IsAliased() bool { return t.aliased }

// Bytes returns the tensor storage (not a copy).
func (t *Tensor) Bytes() []byte {
	t.assertValid()
	return t.data
}

// Write implements backends.Tensor.
func (t *Tensor) Write(src []byte) error {
	t.assertValid()
	if len(src) != len(t.data) {
		return errors.Errorf("hostmem: writing %d bytes to tensor of shape %s (%d bytes)", len(src), t.shape, len(t.data))
	}
	copy(t.data, src)
	t.backend.bytesWritten.Add(int64(len(src)))
	return nil
}

// Read implements backends.Tensor.
func (t *Tensor) Read(dst []byte) error {
	t.assertValid()
	if len(dst) != len(t.data) {
		return errors.Errorf("hostmem: reading tensor of shape %s (%d bytes) into %d bytes", t.shape, len(t.data), len(dst))
	}
	copy(dst, t.data)
	t.backend.bytesRead.Add(int64(len(dst)))
	return nil
}

// IsStale implements backends.Tensor.
func (t *Tensor) IsStale() bool { return t.stale }

// SetStale implements backends.Tensor.
func (t *Tensor) SetStale(stale bool) { t.stale = stale }

// Finalize implements backends.Tensor.
func (t *Tensor) Finalize() {
	if t == nil || t.finalized {
		return
	}
	t.finalized = true
	t.data = nil
	t.backend.liveTensors.Add(-1)
}
