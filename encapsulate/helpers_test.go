// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"testing"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/backends/hostmem"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// sumTranslator returns a translator of the element-wise sum of all inputs, which must all have the same
// shape. It counts the number of translations in *count, if count is not nil.
func sumTranslator(count *int) TranslatorFunc {
	return func(inputShapes []shapes.Shape, _ []*buffers.Buffer) (backends.Artifact, error) {
		if count != nil {
			*count++
		}
		return hostmem.Elementwise("sum", inputShapes[0], len(inputShapes), func(args []float32) float32 {
			var sum float32
			for _, v := range args {
				sum += v
			}
			return sum
		}), nil
	}
}

// sumProgram returns a program that adds 2 inputs of the given shape.
func sumProgram(shape shapes.Shape) *hostmem.Program {
	return must.M1(sumTranslator(nil).Translate([]shapes.Shape{shape, shape}, nil)).(*hostmem.Program)
}

func newBackend(t *testing.T, config string) *hostmem.Backend {
	backend := must.M1(hostmem.New(config))
	t.Cleanup(backend.Finalize)
	return backend
}

// faultyBackend wraps a hostmem.Backend to inject failures.
type faultyBackend struct {
	*hostmem.Backend
	panicOnCompile bool
	failWrites     bool
}

func (b *faultyBackend) Compile(artifact backends.Artifact) (backends.Executable, error) {
	if b.panicOnCompile {
		exceptions.Panicf("compiler crashed")
	}
	return b.Backend.Compile(artifact)
}

func (b *faultyBackend) CreateTensor(dtype dtypes.DType, dimensions []int, host []byte) (backends.Tensor, error) {
	t, err := b.Backend.CreateTensor(dtype, dimensions, host)
	if err != nil || !b.failWrites {
		return t, err
	}
	return &failingTensor{Tensor: t.(*hostmem.Tensor)}, nil
}

type failingTensor struct {
	*hostmem.Tensor
}

func (t *failingTensor) Write([]byte) error {
	return errors.New("device unreachable")
}

// neverFresh is a FreshnessTracker that always requires copies.
type neverFresh struct{}

func (neverFresh) IsFresh(*buffers.Buffer, backends.Executable) bool { return false }
