// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostmem implements a simple reference backend that runs Programs (Go functions) on host memory.
//
// It can work in two modes, selected by the configuration string:
//
//   - "shared" (default): tensors created over host memory alias it, like a CPU backend would. No copies
//     are ever needed to transfer inputs or outputs.
//   - "private": tensors own their memory, like an accelerator with its own memory would. Inputs must be
//     written to the tensors and outputs read back.
//
// Example: GOMLX_BACKEND="hostmem:private".
//
// The backend keeps counters of the bytes transferred, compilations and live tensors, so callers can verify
// how much work the caching layers saved.
package hostmem

import (
	"sync/atomic"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in GOMLX_BACKEND to specify this backend.
const BackendName = "hostmem"

// Registers New() as the constructor for the "hostmem" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// New constructs a new hostmem Backend. The config must be "", "shared" or "private".
func New(config string) (*Backend, error) {
	switch config {
	case "", "shared":
		return &Backend{shared: true}, nil
	case "private":
		return &Backend{shared: false}, nil
	}
	return nil, errors.Errorf("hostmem: unknown configuration %q, valid values are \"shared\" or \"private\"", config)
}

// Backend implements the backends.Backend interface.
type Backend struct {
	shared    bool
	finalized atomic.Bool

	numCompiled, numRemoved atomic.Int64
	numTensors, liveTensors atomic.Int64
	bytesWritten, bytesRead atomic.Int64
}

// Compile-time check that hostmem.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return b.Description() }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	if b.shared {
		return "Host memory backend (shared buffers)"
	}
	return "Host memory backend (private buffers)"
}

// HasSharedBuffers implements backends.Backend.
func (b *Backend) HasSharedBuffers() bool { return b.shared }

// Finalize implements backends.Backend. The backend can't be used afterward.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}

func (b *Backend) assertValid() {
	if b == nil || b.finalized.Load() {
		exceptions.Panicf("hostmem: backend is nil or has already been finalized")
	}
}

// Compile implements backends.Backend. The artifact must be a *Program.
func (b *Backend) Compile(artifact backends.Artifact) (backends.Executable, error) {
	b.assertValid()
	program, ok := artifact.(*Program)
	if !ok || program == nil {
		return nil, errors.Errorf("hostmem: cannot compile artifact of type %T, only *hostmem.Program is accepted", artifact)
	}
	if program.Fn == nil {
		return nil, errors.Errorf("hostmem: program %q has no function", program.Name)
	}
	for ii, shape := range program.Outputs {
		if !shape.Ok() {
			return nil, errors.Errorf("hostmem: program %q has an invalid output #%d shape", program.Name, ii)
		}
	}
	b.numCompiled.Add(1)
	return &Executable{backend: b, program: program}, nil
}

// RemoveCompiled implements backends.Backend.
func (b *Backend) RemoveCompiled(exec backends.Executable) {
	e, ok := exec.(*Executable)
	if !ok || e.backend != b {
		exceptions.Panicf("hostmem: RemoveCompiled given an executable of type %T not created by this backend", exec)
	}
	if e.removed.Swap(true) {
		exceptions.Panicf("hostmem: executable %q removed twice", e.program.Name)
	}
	b.numRemoved.Add(1)
}

// CreateTensor implements backends.Backend.
func (b *Backend) CreateTensor(dtype dtypes.DType, dimensions []int, host []byte) (backends.Tensor, error) {
	b.assertValid()
	if dtype == dtypes.InvalidDType {
		return nil, errors.New("hostmem: cannot create tensor with invalid dtype")
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("hostmem: cannot create tensor with negative dimensions %v", dimensions)
		}
	}
	shape := shapes.Make(dtype, dimensions...)
	t := &Tensor{backend: b, shape: shape}
	if b.shared && host != nil {
		if uintptr(len(host)) != shape.Memory() {
			return nil, errors.Errorf("hostmem: host memory with %d bytes given for tensor of shape %s (%d bytes)",
				len(host), shape, shape.Memory())
		}
		t.data = host
		t.aliased = true
	} else {
		t.data = make([]byte, shape.Memory())
	}
	b.numTensors.Add(1)
	b.liveTensors.Add(1)
	return t, nil
}

// Stats is a snapshot of the counters of the backend.
type Stats struct {
	// NumCompiled and NumRemoved count calls to Compile (successful) and RemoveCompiled.
	NumCompiled, NumRemoved int64

	// NumTensors counts tensors created, LiveTensors the ones not finalized yet.
	NumTensors, LiveTensors int64

	// BytesWritten and BytesRead count the bytes transferred with Tensor.Write and Tensor.Read.
	BytesWritten, BytesRead int64
}

// Stats returns a snapshot of the backend counters.
func (b *Backend) Stats() Stats {
	return Stats{
		NumCompiled:  b.numCompiled.Load(),
		NumRemoved:   b.numRemoved.Load(),
		NumTensors:   b.numTensors.Load(),
		LiveTensors:  b.liveTensors.Load(),
		BytesWritten: b.bytesWritten.Load(),
		BytesRead:    b.bytesRead.Load(),
	}
}
