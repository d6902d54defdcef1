// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/backends/hostmem"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// translateSum returns a translate function for LookupOrCompile, for a sum of 2 vectors of the given size.
func translateSum(size int) func() (backends.Artifact, error) {
	return func() (backends.Artifact, error) {
		return sumProgram(shapes.Make(dtypes.Float32, size)), nil
	}
}

func lookup(t *testing.T, cache *ExecutableCache, signature string) (*CacheEntry, bool) {
	entry, hit, err := cache.LookupOrCompile(signature, translateSum(2))
	require.NoError(t, err)
	return entry, hit
}

func TestScenarioB(t *testing.T) {
	backend := newBackend(t, "shared")
	cache := NewExecutableCache(backend, CacheConfig{Capacity: FixedCacheDepth(2)})
	entryA, hit := lookup(t, cache, "a")
	require.False(t, hit)
	lookup(t, cache, "b")
	lookup(t, cache, "c")
	assert.Equal(t, []string{"b", "c"}, cache.Signatures())
	assert.False(t, cache.Contains("a"))
	assert.True(t, entryA.Executable.(*hostmem.Executable).IsRemoved())
	assert.Equal(t, CacheStats{Misses: 3, Evictions: 1}, cache.Stats())
}

func TestCacheLRU(t *testing.T) {
	backend := newBackend(t, "shared")
	const capacity = 3
	cache := NewExecutableCache(backend, CacheConfig{Capacity: FixedCacheDepth(capacity)})

	// C+1 distinct signatures evict exactly the first one.
	for ii := range capacity + 1 {
		lookup(t, cache, fmt.Sprintf("sig%d", ii))
		require.LessOrEqual(t, cache.Len(), capacity)
	}
	assert.Equal(t, []string{"sig1", "sig2", "sig3"}, cache.Signatures())

	// A hit promotes the entry to most recently used, so the next miss evicts sig2 instead.
	entry1, hit := lookup(t, cache, "sig1")
	require.True(t, hit)
	assert.Equal(t, []string{"sig2", "sig3", "sig1"}, cache.Signatures())
	again, hit := lookup(t, cache, "sig1")
	require.True(t, hit)
	require.Same(t, entry1, again)
	lookup(t, cache, "sig4")
	assert.Equal(t, []string{"sig3", "sig1", "sig4"}, cache.Signatures())
	assert.Equal(t, CacheStats{Hits: 2, Misses: 5, Evictions: 2}, cache.Stats())
	assert.Equal(t, int64(5), backend.Stats().NumCompiled)
	assert.Equal(t, int64(2), backend.Stats().NumRemoved)
}

func TestCacheCapacityChanges(t *testing.T) {
	backend := newBackend(t, "shared")
	capacity := 4
	cache := NewExecutableCache(backend, CacheConfig{Capacity: func() int { return capacity }})
	for _, sig := range []string{"a", "b", "c", "d"} {
		lookup(t, cache, sig)
	}
	require.Equal(t, 4, cache.Len())

	// Shrinking doesn't evict eagerly, neither on hits.
	capacity = 2
	lookup(t, cache, "a")
	require.Equal(t, 4, cache.Len())

	// The next miss makes room for the new entry within the new capacity.
	lookup(t, cache, "e")
	assert.Equal(t, []string{"a", "e"}, cache.Signatures())

	// Capacity < 1 is taken as 1.
	capacity = 0
	assert.Equal(t, 1, cache.Capacity())
	lookup(t, cache, "f")
	assert.Equal(t, []string{"f"}, cache.Signatures())

	t.Setenv(EnvCacheDepth, "3")
	cache = NewExecutableCache(backend, CacheConfig{})
	assert.Equal(t, 3, cache.Capacity())
	t.Setenv(EnvCacheDepth, "many")
	assert.Equal(t, DefaultCacheDepth, cache.Capacity())
}

func TestCacheFailuresDontMutate(t *testing.T) {
	backend := &faultyBackend{Backend: newBackend(t, "shared")}
	cache := NewExecutableCache(backend, CacheConfig{Capacity: FixedCacheDepth(2)})
	lookup(t, cache, "a")
	lookup(t, cache, "b")
	before := cache.Signatures()

	// Translation failure.
	_, _, err := cache.LookupOrCompile("c", func() (backends.Artifact, error) {
		return nil, errors.New("unsupported op")
	})
	require.ErrorIs(t, err, ErrTranslation)
	require.ErrorContains(t, err, "unsupported op")
	assert.Equal(t, before, cache.Signatures())

	// Compilation error.
	_, _, err = cache.LookupOrCompile("c", func() (backends.Artifact, error) {
		return &hostmem.Program{Name: "no_fn"}, nil
	})
	require.ErrorIs(t, err, ErrCompile)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Equal(t, "c", compileErr.Signature)
	assert.Equal(t, hostmem.BackendName, compileErr.Backend)
	assert.Equal(t, before, cache.Signatures())

	// Panic during compilation.
	backend.panicOnCompile = true
	_, _, err = cache.LookupOrCompile("c", translateSum(2))
	require.ErrorIs(t, err, ErrCompile)
	require.ErrorContains(t, err, "compiler crashed")
	assert.Equal(t, before, cache.Signatures())
	assert.Equal(t, int64(0), backend.Stats().NumRemoved)
	assert.Equal(t, int64(3), cache.Stats().CompileErrors)

	// Hits still work, since they don't compile.
	_, hit := lookup(t, cache, "a")
	assert.True(t, hit)
}

func TestEvictionCleanup(t *testing.T) {
	backend := newBackend(t, "private")
	tracker := NewTracker()
	cache := NewExecutableCache(backend, CacheConfig{Capacity: FixedCacheDepth(1), Tracker: tracker})
	entry, _ := lookup(t, cache, "a")

	x := buffers.FromFlat([]float32{1, 2})
	out := buffers.New(x.Shape())
	_ = must.M1(entry.Inputs.Bind(0, x))
	_ = must.M1(entry.Inputs.Bind(1, x))
	_ = must.M1(entry.Outputs.Bind(0, out))
	tracker.MarkFresh(x, entry.Executable)
	require.Equal(t, int64(3), backend.Stats().LiveTensors)
	require.True(t, tracker.IsFresh(x, entry.Executable))

	lookup(t, cache, "b")
	assert.Equal(t, []string{"b"}, cache.Signatures())
	assert.True(t, entry.Executable.(*hostmem.Executable).IsRemoved())
	assert.Equal(t, 0, entry.Inputs.Len())
	assert.Equal(t, 0, entry.Outputs.Len())
	assert.Equal(t, int64(0), backend.Stats().LiveTensors)
	assert.False(t, tracker.IsFresh(x, entry.Executable))
	assert.Equal(t, 0, tracker.NumBuffers())

	// Eviction on an empty cache is a no-op.
	cache.Finalize()
	require.Equal(t, 0, cache.Len())
	cache.evictOldest()
	cache.Finalize()
	assert.Equal(t, int64(2), backend.Stats().NumRemoved)
}

func TestCacheDumps(t *testing.T) {
	backend := newBackend(t, "shared")
	dir := filepath.Join(t.TempDir(), "dumps")
	cache := NewExecutableCache(backend, CacheConfig{Name: "cluster/0", DumpDir: dir, Capacity: FixedCacheDepth(4)})
	lookup(t, cache, "a")
	_, _, err := cache.LookupOrCompile("b", func() (backends.Artifact, error) {
		return &hostmem.Program{Name: "no_fn"}, nil
	})
	require.ErrorIs(t, err, ErrCompile)

	info, err := os.Stat(filepath.Join(dir, "cluster_0_1.msgpack"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	_, err = os.Stat(filepath.Join(dir, "cluster_0_2_error.msgpack"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "cluster_0_2.msgpack"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCacheMetrics(t *testing.T) {
	backend := newBackend(t, "shared")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cache := NewExecutableCache(backend, CacheConfig{Name: "m", Metrics: metrics, Capacity: FixedCacheDepth(1)})
	lookup(t, cache, "a")
	lookup(t, cache, "a")
	lookup(t, cache, "b")
	_, _, _ = cache.LookupOrCompile("c", func() (backends.Artifact, error) { return nil, errors.New("nope") })

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHits.WithLabelValues("m")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CacheMisses.WithLabelValues("m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CompileErrors.WithLabelValues("m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CachedExecutables.WithLabelValues("m")))
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

// recordingLocks hands out the locks of a private registry, recording the names asked for.
type recordingLocks struct {
	registry *backends.Registry
	names    []string
}

func (r *recordingLocks) CompileLock(name string) sync.Locker {
	r.names = append(r.names, name)
	return r.registry.CompileLock(name)
}

func TestCacheCompileLocks(t *testing.T) {
	backend := newBackend(t, "shared")
	locks := &recordingLocks{registry: backends.NewRegistry()}
	cache := NewExecutableCache(backend, CacheConfig{Capacity: FixedCacheDepth(4), CompileLocks: locks})
	lookup(t, cache, "a")
	lookup(t, cache, "a")
	lookup(t, cache, "b")
	assert.Equal(t, []string{backend.Name(), backend.Name()}, locks.names)

	// The default registry's lock for the backend is not involved.
	lock := backends.CompileLock(backend.Name())
	lock.Lock()
	defer lock.Unlock()
	lookup(t, cache, "c")
	assert.Len(t, locks.names, 3)
}
