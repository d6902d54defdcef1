// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CompileLocker hands out the lock that serializes compilations for a backend name.
// Registry implements it.
type CompileLocker interface {
	CompileLock(name string) sync.Locker
}

// Registry of backend constructors, keyed by backend name.
//
// It also owns the compile locks of the backends it creates: see CompileLock.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	first        string
	compileLocks map[string]*sync.Mutex
}

var _ CompileLocker = (*Registry)(nil)

// DefaultRegistry is where backends register themselves at initialization, and what Register, New,
// NewWithConfig, List and CompileLock use.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		compileLocks: make(map[string]*sync.Mutex),
	}
}

// Register backend with the given name, and a constructor that takes as input a configuration string.
// The first backend registered is the default one.
func (r *Registry) Register(name string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.constructors) == 0 {
		r.first = name
	}
	r.constructors[name] = constructor
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
// If "<backend_name>" is omitted, the first registered backend is used.
func (r *Registry) NewWithConfig(config string) (Backend, error) {
	r.mu.Lock()
	if len(r.constructors) == 0 {
		r.mu.Unlock()
		return nil, errors.New(`no registered backends -- maybe import the reference one with import _ "github.com/gomlx/bridge/backends/hostmem"?`)
	}
	backendName := r.first
	backendConfig := config
	if name, rest, found := strings.Cut(config, ":"); found {
		backendName, backendConfig = name, rest
	} else if _, found := r.constructors[config]; found {
		backendName, backendConfig = config, ""
	}
	constructor, found := r.constructors[backendName]
	r.mu.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}

// List the names of the registered backends.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// CompileLock returns the lock that serializes compilations for the backend with the given name.
//
// At most one compilation per backend name proceeds at any time among the holders of this Registry's locks,
// even across different caches or executors. Compilations for different backend names don't contend.
//
// The same sync.Locker is returned for every call with the same name.
func (r *Registry) CompileLock(name string) sync.Locker {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, found := r.compileLocks[name]
	if !found {
		lock = &sync.Mutex{}
		r.compileLocks[name] = lock
	}
	return lock
}
