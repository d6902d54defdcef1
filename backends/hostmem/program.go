// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostmem

import (
	"sync/atomic"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ProgramFn computes the outputs of a Program from its inputs, given as the raw bytes of the tensors.
type ProgramFn func(inputs, outputs [][]byte) error

// Program is the artifact compiled by the hostmem backend.
//
// Its exported fields are serializable (e.g. with msgpack) for diagnostics, except Fn.
type Program struct {
	Name    string
	Inputs  []shapes.Shape
	Outputs []shapes.Shape
	Fn      ProgramFn `msgpack:"-"`
}

// Elementwise returns a Program that takes numInputs inputs of the given shape and writes one output of the
// same shape, where each output element is fn applied to the corresponding input elements.
func Elementwise[T dtypes.Supported](name string, shape shapes.Shape, numInputs int, fn func(args []T) T) *Program {
	return &Program{
		Name:    name,
		Inputs:  repeatShape(shape, numInputs),
		Outputs: []shapes.Shape{shape},
		Fn: func(inputs, outputs [][]byte) error {
			if shape.DType != dtypes.FromGenericsType[T]() {
				var v T
				return errors.Errorf("hostmem: Elementwise[%T] program %q built for dtype %s", v, name, shape.DType)
			}
			flatInputs := make([][]T, len(inputs))
			for ii, data := range inputs {
				flatInputs[ii] = buffers.Flat[T](buffers.FromBytes(shape, data))
			}
			output := buffers.Flat[T](buffers.FromBytes(shape, outputs[0]))
			args := make([]T, len(inputs))
			for pos := range output {
				for ii, flat := range flatInputs {
					args[ii] = flat[pos]
				}
				output[pos] = fn(args)
			}
			return nil
		},
	}
}

func repeatShape(shape shapes.Shape, n int) []shapes.Shape {
	s := make([]shapes.Shape, n)
	for ii := range s {
		s[ii] = shape
	}
	return s
}

// Executable implements backends.Executable for the hostmem backend.
type Executable struct {
	backend *Backend
	program *Program
	removed atomic.Bool
}

var _ backends.Executable = &Executable{}

// Name implements backends.Executable.
func (e *Executable) Name() string { return e.program.Name }

// Outputs implements backends.Executable.
func (e *Executable) Outputs() []shapes.Shape { return e.program.Outputs }

// Program returns the program this executable was compiled from.
func (e *Executable) Program() *Program { return e.program }

// IsRemoved returns whether RemoveCompiled has been called on this executable.
func (e *Executable) IsRemoved() bool { return e.removed.Load() }

// Execute implements backends.Executable.
func (e *Executable) Execute(inputs, outputs []backends.Tensor) error {
	if e.removed.Load() {
		return errors.Errorf("hostmem: executable %q used after RemoveCompiled", e.program.Name)
	}
	if e.program.Inputs != nil && len(inputs) != len(e.program.Inputs) {
		return errors.Errorf("hostmem: executable %q takes %d inputs, %d given", e.program.Name, len(e.program.Inputs), len(inputs))
	}
	if len(outputs) != len(e.program.Outputs) {
		return errors.Errorf("hostmem: executable %q has %d outputs, %d given", e.program.Name, len(e.program.Outputs), len(outputs))
	}
	inputsData, err := e.tensorsData(inputs, e.program.Inputs, "input")
	if err != nil {
		return err
	}
	outputsData, err := e.tensorsData(outputs, e.program.Outputs, "output")
	if err != nil {
		return err
	}
	if err = e.program.Fn(inputsData, outputsData); err != nil {
		return errors.WithMessagef(err, "hostmem: executing %q", e.program.Name)
	}
	return nil
}

func (e *Executable) tensorsData(tensors []backends.Tensor, expected []shapes.Shape, kind string) ([][]byte, error) {
	data := make([][]byte, len(tensors))
	for ii, tensor := range tensors {
		t, ok := tensor.(*Tensor)
		if !ok || t.backend != e.backend {
			return nil, errors.Errorf("hostmem: executable %q %s #%d is a %T not created by this backend",
				e.program.Name, kind, ii, tensor)
		}
		if expected != nil && !t.shape.Equal(expected[ii]) {
			return nil, errors.Errorf("hostmem: executable %q %s #%d has shape %s, expected %s",
				e.program.Name, kind, ii, t.shape, expected[ii])
		}
		data[ii] = t.Bytes()
	}
	return data, nil
}
