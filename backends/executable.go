// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/bridge/types/shapes"
)

// Artifact is the output of a graph translator, and the input to Backend.Compile.
//
// It is opaque to the caching layers. A backend typically accepts only its own artifact type, and returns an
// error for anything else.
type Artifact any

// Executable is the API for compiled programs ready to execute.
//
// Executables are created by Backend.Compile and freed by Backend.RemoveCompiled. They are immutable after
// creation, and compared by identity: an Executable can be used as a map key.
type Executable interface {
	// Name of the executable, for logging.
	Name() string

	// Outputs returns the shapes of the outputs of the computation, in order.
	Outputs() (outputShapes []shapes.Shape)

	// Execute the computation reading from inputs and writing the results to outputs.
	//
	// Input and output tensors must have been created by the same backend, and their shapes must match the
	// ones the executable was compiled for.
	Execute(inputs, outputs []Tensor) error
}
