// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the narrow contract an acceleration backend needs to implement to run
// encapsulated computations: compile a translated artifact, allocate tensors, execute and free.
//
// Artifacts and executables are opaque to the caching layers: only the backend that created them
// interprets them.
//
// Backends register themselves by name (see Register), and are created with New or NewWithConfig.
// The Registry also hands out the per-backend-name compile lock (see Registry.CompileLock): it is the
// capability compilations are serialized with.
//
// Programming errors (e.g. using a finalized tensor) are expected to panic with a stack trace, see
// package github.com/gomlx/exceptions. Runtime failures are returned as errors.
package backends

import (
	"os"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
)

// Backend is the API that needs to be implemented by a backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "hostmem".
	// Compilations are serialized per Name, see Registry.CompileLock.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// HasSharedBuffers returns whether the backend executes directly on host memory.
	//
	// If true, tensors created with CreateTensor with a host storage alias that storage: no copies are
	// needed to transfer inputs or outputs, but a tensor is only valid for the host buffer it was created for.
	// If false, tensors own backend-private memory, and data is transferred with Tensor.Write and Tensor.Read.
	HasSharedBuffers() bool

	// Compile the artifact into an executable.
	// Backends may also panic on failure: callers should be ready to recover.
	Compile(artifact Artifact) (Executable, error)

	// RemoveCompiled frees the resources associated with the executable immediately.
	// The executable must not be used afterward.
	RemoveCompiled(exec Executable)

	// CreateTensor allocates a tensor of the given dtype and dimensions.
	//
	// If the backend HasSharedBuffers and host is not nil, the tensor aliases host, which must have the exact
	// size in bytes of the shape. Otherwise, host is ignored and backend-private memory is allocated.
	CreateTensor(dtype dtypes.DType, dimensions []int, host []byte) (Tensor, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

// Register backend with the given name in the DefaultRegistry. See Registry.Register.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	DefaultRegistry.Register(name, constructor)
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOMLX_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "hostmem") and
// "<backend_configuration>" is backend specific (e.g.: for hostmem, "shared" or "private").
const GOMLX_BACKEND = "GOMLX_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOMLX_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(GOMLX_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from the DefaultRegistry. See Registry.NewWithConfig.
func NewWithConfig(config string) (Backend, error) {
	return DefaultRegistry.NewWithConfig(config)
}

// List the names of the backends registered in the DefaultRegistry.
func List() []string {
	return DefaultRegistry.List()
}

// CompileLock returns the DefaultRegistry compile lock for the backend name. See Registry.CompileLock.
func CompileLock(name string) sync.Locker {
	return DefaultRegistry.CompileLock(name)
}
