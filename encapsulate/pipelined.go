// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"sync"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/pkg/support/indexpool"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PipelinedTensors is one set of pre-allocated tensors of a PipelinedTensorStore.
type PipelinedTensors struct {
	// Index of the set in the store, to be given back to PipelinedTensorStore.Return.
	Index int

	Inputs, Outputs []backends.Tensor
}

// PipelinedTensorStore holds depth sets of input and output tensors for one executable, so that up to depth
// executions can be in flight concurrently, each with its own tensors.
//
// Sets are checked out with Get (or Wait) and given back with Return. It is safe for concurrent use.
type PipelinedTensorStore struct {
	name string
	exec backends.Executable
	pool *indexpool.Pool
	sets []PipelinedTensors

	// mu and cond are only used to wake up callers of Wait.
	mu   sync.Mutex
	cond sync.Cond

	metrics *Metrics
}

// NewPipelinedTensorStore allocates depth sets of tensors for exec, with the given input shapes and the
// executable's output shapes.
func NewPipelinedTensorStore(backend backends.Backend, exec backends.Executable, inputShapes []shapes.Shape, depth int) (*PipelinedTensorStore, error) {
	if depth < 0 {
		return nil, errors.Errorf("invalid negative depth %d for pipelined tensor store", depth)
	}
	s := &PipelinedTensorStore{
		name: exec.Name(),
		exec: exec,
		pool: indexpool.New(depth),
		sets: make([]PipelinedTensors, depth),
	}
	s.cond.L = &s.mu
	outputShapes := exec.Outputs()
	for idx := range s.sets {
		set := &s.sets[idx]
		set.Index = idx
		set.Inputs = make([]backends.Tensor, len(inputShapes))
		set.Outputs = make([]backends.Tensor, len(outputShapes))
		var err error
		for ii, shape := range inputShapes {
			if set.Inputs[ii], err = backend.CreateTensor(shape.DType, shape.Dimensions, nil); err != nil {
				s.Finalize()
				return nil, errors.WithMessagef(err, "failed to allocate input #%d of pipelined set #%d", ii, idx)
			}
		}
		for ii, shape := range outputShapes {
			if set.Outputs[ii], err = backend.CreateTensor(shape.DType, shape.Dimensions, nil); err != nil {
				s.Finalize()
				return nil, errors.WithMessagef(err, "failed to allocate output #%d of pipelined set #%d", ii, idx)
			}
		}
	}
	klog.V(1).Infof("%s: pipelined tensor store with %d sets of %d inputs and %d outputs",
		s.name, depth, len(inputShapes), len(outputShapes))
	return s, nil
}

// SetMetrics makes the store report the number of sets in use with the given name label.
func (s *PipelinedTensorStore) SetMetrics(metrics *Metrics, name string) {
	s.metrics = metrics
	s.name = name
}

// Depth returns the number of tensor sets.
func (s *PipelinedTensorStore) Depth() int { return len(s.sets) }

// Get checks out a free set of tensors. It returns false if all sets are in use; it never blocks.
func (s *PipelinedTensorStore) Get() (PipelinedTensors, bool) {
	idx, ok := s.pool.Checkout()
	if !ok {
		return PipelinedTensors{Index: -1}, false
	}
	s.metrics.setSlotsUsed(s.name, s.pool.NumCheckedOut())
	return s.sets[idx], true
}

// Wait checks out a free set of tensors, waiting for one to be returned if all are in use.
// It must not be called on a store with depth 0.
func (s *PipelinedTensorStore) Wait() PipelinedTensors {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if set, ok := s.Get(); ok {
			return set
		}
		s.cond.Wait()
	}
}

// Return gives back the set of tensors with the given index. It returns an *indexpool.PoolError if the set
// is not checked out.
func (s *PipelinedTensorStore) Return(idx int) error {
	if err := s.pool.Release(idx); err != nil {
		return errors.WithMessagef(err, "%s: returning pipelined tensors", s.name)
	}
	s.metrics.setSlotsUsed(s.name, s.pool.NumCheckedOut())
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// Execute runs the executable on the given set of tensors.
func (s *PipelinedTensorStore) Execute(set PipelinedTensors) error {
	if !s.pool.IsCheckedOut(set.Index) {
		return errors.Errorf("%s: executing on pipelined set #%d that is not checked out", s.name, set.Index)
	}
	return s.exec.Execute(set.Inputs, set.Outputs)
}

// Finalize frees all the tensors of the store. It must not be used afterward.
func (s *PipelinedTensorStore) Finalize() {
	for _, set := range s.sets {
		for _, t := range set.Inputs {
			if t != nil {
				t.Finalize()
			}
		}
		for _, t := range set.Outputs {
			if t != nil {
				t.Finalize()
			}
		}
	}
	s.sets = nil
}
