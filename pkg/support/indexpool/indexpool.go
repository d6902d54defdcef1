// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package indexpool implements Pool, a fixed-capacity pool of integer slot ids in [0, N) that can be
// checked out and released concurrently.
//
// Example:
//
//	pool := indexpool.New(3)
//	idx, ok := pool.Checkout()
//	if !ok {
//		// All slots in use.
//	}
//	defer must.M(pool.Release(idx))
package indexpool

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrPool is matched (with errors.Is) by every *PoolError.
var ErrPool = errors.New("index pool contract violation")

// PoolError is returned by Pool.Release for indices out of range or not currently checked out.
//
// It is a contract violation by the caller: it should be escalated, not swallowed.
type PoolError struct {
	Index, Capacity int
}

// Error implements error.
func (e *PoolError) Error() string {
	if e.Index < 0 || e.Index >= e.Capacity {
		return fmt.Sprintf("index pool: release of index %d out of range [0, %d)", e.Index, e.Capacity)
	}
	return fmt.Sprintf("index pool: release of index %d that is not checked out", e.Index)
}

// Is makes errors.Is(err, ErrPool) true for every *PoolError.
func (e *PoolError) Is(target error) bool {
	return target == ErrPool
}

// Pool of indices [0, capacity).
//
// All methods are safe for concurrent use. Operations are O(1) and are serialized by a single mutex.
type Pool struct {
	mu sync.Mutex

	// free is a stack of the indices available for checkout.
	free []int

	// checkedOut[i] is true while index i is held by a caller.
	checkedOut []bool
}

// New returns a Pool with the given capacity, with every index available.
// A capacity of 0 is valid: Checkout always returns false.
//
// It panics for negative capacities.
func New(capacity int) *Pool {
	if capacity < 0 {
		panic(errors.Errorf("indexpool.New(%d): capacity must be >= 0", capacity))
	}
	p := &Pool{
		free:       make([]int, capacity),
		checkedOut: make([]bool, capacity),
	}
	// Stack is popped from the end, so lower indices come out first.
	for ii := range p.free {
		p.free[ii] = capacity - 1 - ii
	}
	return p
}

// Capacity returns the number of indices managed by the pool.
func (p *Pool) Capacity() int {
	return len(p.checkedOut)
}

// NumCheckedOut returns the number of indices currently checked out.
func (p *Pool) NumCheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkedOut) - len(p.free)
}

// Checkout takes a free index from the pool. It never blocks: if every index is checked out
// (or the pool has capacity 0) it returns ok=false.
//
// No ordering is guaranteed on which free index is returned.
func (p *Pool) Checkout() (index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := len(p.free) - 1
	if last < 0 {
		return -1, false
	}
	index = p.free[last]
	p.free = p.free[:last]
	p.checkedOut[index] = true
	return index, true
}

// Release returns the index to the pool, making it available for future Checkout calls.
//
// It returns a *PoolError if index is out of range or is not currently checked out.
func (p *Pool) Release(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.checkedOut) || !p.checkedOut[index] {
		return errors.WithStack(&PoolError{Index: index, Capacity: len(p.checkedOut)})
	}
	p.checkedOut[index] = false
	p.free = append(p.free, index)
	return nil
}

// IsCheckedOut returns whether index is currently checked out. Out-of-range indices return false.
func (p *Pool) IsCheckedOut(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.checkedOut) {
		return false
	}
	return p.checkedOut[index]
}
