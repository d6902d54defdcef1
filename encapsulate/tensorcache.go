// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"fmt"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorCacheKind selects the behavior of a TensorCache.
type TensorCacheKind int

const (
	// InputTensors caches hold the tensors fed to an executable. They copy the host buffers into the
	// tensors when needed.
	InputTensors TensorCacheKind = iota

	// OutputTensors caches hold the tensors an executable writes to. Their bindings are always stale,
	// and they never copy.
	OutputTensors
)

// String implements fmt.Stringer.
func (k TensorCacheKind) String() string {
	switch k {
	case InputTensors:
		return "input"
	case OutputTensors:
		return "output"
	}
	return fmt.Sprintf("TensorCacheKind(%d)", int(k))
}

// Binding of a host buffer to the backend tensor used for it, in one slot of a TensorCache.
type Binding struct {
	// Source is the buffer last bound to the slot. Its pointer is its identity.
	Source *buffers.Buffer

	// Tensor bound to Source.
	Tensor backends.Tensor

	// Stale reports whether Tensor was out of sync with Source when it was bound. For input caches it means
	// the contents were refreshed (copied, unless the backend shares host memory).
	Stale bool
}

// TensorCache keeps, for each slot (input or output position) of one executable, the backend tensor bound to
// the last buffer seen in that slot, so tensors are reused and copies skipped across calls.
//
// It is not safe for concurrent use.
type TensorCache struct {
	kind     TensorCacheKind
	backend  backends.Backend
	exec     backends.Executable
	tracker  FreshnessTracker
	marker   FreshnessMarker
	bindings []*Binding

	copies, bytesCopied int64

	metrics     *Metrics
	metricsName string
}

// NewTensorCache creates an empty TensorCache for the tensors of exec.
// The tracker may be nil, in which case input buffers are never considered fresh.
func NewTensorCache(kind TensorCacheKind, backend backends.Backend, exec backends.Executable, tracker FreshnessTracker) *TensorCache {
	c := &TensorCache{
		kind:    kind,
		backend: backend,
		exec:    exec,
		tracker: tracker,
	}
	if kind == InputTensors {
		c.marker, _ = tracker.(FreshnessMarker)
	}
	return c
}

// Kind of the cache.
func (c *TensorCache) Kind() TensorCacheKind { return c.kind }

// Bind returns the tensor to use for buf in the given slot.
//
// A new tensor is allocated if the slot has no binding yet, or if the backend shares host memory and buf is
// not the buffer bound before (the tensor aliases the buffer memory). Otherwise, the tensor bound before is
// reused.
//
// For input caches, the buffer contents are copied to the tensor if it is stale and the backend doesn't
// share host memory. It is stale if it is new, if buf differs from the buffer bound before, or if the
// freshness tracker doesn't report buf as fresh for the executable.
//
// When an input slot is rebound to a different buffer, the buffer bound before is unmarked in the
// tracker for the executable, unless another slot still holds it.
//
// If the copy fails, a *CopyError is returned, and the binding is kept as constructed.
func (c *TensorCache) Bind(slot int, buf *buffers.Buffer) (backends.Tensor, error) {
	if slot < 0 {
		exceptions.Panicf("TensorCache.Bind(%d): negative slot", slot)
	}
	if buf == nil {
		return nil, errors.Errorf("nil buffer given for %s slot #%d", c.kind, slot)
	}
	if slot >= len(c.bindings) {
		c.bindings = append(c.bindings, make([]*Binding, slot+1-len(c.bindings))...)
	}
	shared := c.backend.HasSharedBuffers()
	prev := c.bindings[slot]
	needsNew := prev == nil || (shared && prev.Source != buf) || !prev.Tensor.Shape().Equal(buf.Shape())
	stale := true
	if c.kind == InputTensors {
		stale = needsNew || prev.Source != buf || !c.isFresh(buf)
	}

	var tensor backends.Tensor
	if needsNew {
		var host []byte
		if shared {
			host = buf.Bytes()
		}
		var err error
		tensor, err = c.backend.CreateTensor(buf.DType(), buf.Shape().Dimensions, host)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to allocate tensor for %s slot #%d (%s)", c.kind, slot, buf.Shape())
		}
		if prev != nil {
			prev.Tensor.Finalize()
		}
		if klog.V(5).Enabled() {
			klog.Infof("%s: new %s tensor for slot #%d bound to %s", c.exec.Name(), c.kind, slot, buf)
		}
	} else {
		tensor = prev.Tensor
	}
	c.bindings[slot] = &Binding{Source: buf, Tensor: tensor, Stale: stale}
	tensor.SetStale(stale)
	if prev != nil && prev.Source != buf {
		c.unmark(prev.Source)
	}

	if c.kind == InputTensors && stale && !shared {
		if err := tensor.Write(buf.Bytes()); err != nil {
			return tensor, errors.WithStack(&CopyError{Slot: slot, Bytes: buf.SizeInBytes(), Cause: err})
		}
		c.copies++
		c.bytesCopied += int64(buf.SizeInBytes())
		c.metrics.copied(c.metricsName, buf.SizeInBytes())
	}
	return tensor, nil
}

func (c *TensorCache) isFresh(buf *buffers.Buffer) bool {
	if c.tracker == nil {
		return false
	}
	return c.tracker.IsFresh(buf, c.exec)
}

// unmark drops buf from the tracker for the executable, if no slot holds it anymore.
func (c *TensorCache) unmark(buf *buffers.Buffer) {
	if c.marker == nil {
		return
	}
	for _, b := range c.bindings {
		if b != nil && b.Source == buf {
			return
		}
	}
	c.marker.Unmark(buf, c.exec)
}

// Binding returns a copy of the binding of the slot, and whether there is one.
func (c *TensorCache) Binding(slot int) (Binding, bool) {
	if slot < 0 || slot >= len(c.bindings) || c.bindings[slot] == nil {
		return Binding{}, false
	}
	return *c.bindings[slot], true
}

// Len returns the number of bound slots.
func (c *TensorCache) Len() int {
	var n int
	for _, b := range c.bindings {
		if b != nil {
			n++
		}
	}
	return n
}

// BoundBytes returns the total size of the bound tensors.
func (c *TensorCache) BoundBytes() int {
	var total int
	for _, b := range c.bindings {
		if b != nil {
			total += b.Tensor.SizeInBytes()
		}
	}
	return total
}

// Copies returns the number of copies from host buffers to tensors done so far. It never decreases.
func (c *TensorCache) Copies() int64 { return c.copies }

// BytesCopied returns the number of bytes copied from host buffers to tensors so far. It never decreases.
func (c *TensorCache) BytesCopied() int64 { return c.bytesCopied }

// Release finalizes all bound tensors and drops the bindings, returning the number of bytes released.
// The copy counters are preserved.
func (c *TensorCache) Release() int {
	released := c.BoundBytes()
	for _, b := range c.bindings {
		if b != nil {
			b.Tensor.Finalize()
		}
	}
	c.bindings = nil
	return released
}
