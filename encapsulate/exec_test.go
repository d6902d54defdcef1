// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"testing"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/backends/hostmem"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecShared(t *testing.T) {
	backend := newBackend(t, "shared")
	var translations int
	exec := NewExec(backend, sumTranslator(&translations), WithName("shared"), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2, 3})
	y := buffers.FromFlat([]float32{10, 20, 30})
	out := buffers.New(x.Shape())
	require.NoError(t, exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out}))
	assert.Equal(t, []float32{11, 22, 33}, buffers.Flat[float32](out))

	// Same buffers with new contents: tensors alias the buffers, so no copies are needed.
	buffers.Flat[float32](x)[0] = 100
	require.NoError(t, exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out}))
	assert.Equal(t, []float32{110, 22, 33}, buffers.Flat[float32](out))
	assert.Equal(t, 1, translations)

	stats := exec.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, int64(0), stats.Copies)
	assert.Equal(t, int64(0), stats.ReadBacks)
	assert.Equal(t, int64(0), backend.Stats().BytesWritten)
	assert.Equal(t, int64(0), backend.Stats().BytesRead)

	// New shapes compile a new executable.
	z := buffers.FromFlat([]float32{1, 2})
	out2 := buffers.New(z.Shape())
	require.NoError(t, exec.Call([]*buffers.Buffer{z, z}, []*buffers.Buffer{out2}))
	assert.Equal(t, []float32{2, 4}, buffers.Flat[float32](out2))
	assert.Equal(t, 2, translations)
	assert.Equal(t, 2, exec.Cache().Len())

	exec.Finalize()
	assert.Equal(t, 0, exec.Stats().Cached)
	assert.Equal(t, backend.Stats().NumCompiled, backend.Stats().NumRemoved)
	assert.Equal(t, int64(0), backend.Stats().LiveTensors)
}

func TestExecPrivate(t *testing.T) {
	backend := newBackend(t, "private")
	exec := NewExec(backend, sumTranslator(nil), WithDumpDir(""))
	defer exec.Finalize()
	tracker := exec.Tracker().(*Tracker)
	assert.Contains(t, exec.Name(), exec.ID().String())

	x := buffers.FromFlat([]float32{1, 2})
	y := buffers.FromFlat([]float32{3, 4})
	out := buffers.New(x.Shape())
	call := func() {
		require.NoError(t, exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out}))
	}
	call()
	assert.Equal(t, []float32{4, 6}, buffers.Flat[float32](out))
	assert.Equal(t, int64(2), exec.Stats().Copies)
	assert.Equal(t, int64(8), backend.Stats().BytesRead)
	assert.Equal(t, int64(1), exec.Stats().ReadBacks)
	assert.Equal(t, int64(8), exec.Stats().BytesReadBack)

	// Inputs are fresh now: no copies.
	call()
	assert.Equal(t, int64(2), exec.Stats().Copies)
	assert.Equal(t, int64(16), exec.Stats().BytesCopied)

	// Rewriting an input in place and reporting it forces a copy of that input only.
	buffers.Flat[float32](x)[1] = 20
	tracker.MarkStale(x)
	call()
	assert.Equal(t, []float32{4, 24}, buffers.Flat[float32](out))
	assert.Equal(t, int64(3), exec.Stats().Copies)

	// An output used as input is copied, and is fresh afterward until it is written to again.
	out2 := buffers.New(x.Shape())
	require.NoError(t, exec.Call([]*buffers.Buffer{out, y}, []*buffers.Buffer{out2}))
	assert.Equal(t, []float32{7, 28}, buffers.Flat[float32](out2))
	assert.Equal(t, int64(4), exec.Stats().Copies)
	compiled := exec.Cache().Entries()[0].Executable
	assert.True(t, tracker.IsFresh(out, compiled))
	assert.False(t, tracker.IsFresh(out2, compiled))
	require.NoError(t, exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out}))
	assert.False(t, tracker.IsFresh(out, compiled))
	assert.Equal(t, int64(5), exec.Stats().Copies)
}

func TestExecNewBuffersAreNotRetained(t *testing.T) {
	backend := newBackend(t, "private")
	exec := NewExec(backend, sumTranslator(nil), WithDumpDir(""))
	defer exec.Finalize()
	tracker := exec.Tracker().(*Tracker)

	out := buffers.New(shapes.Make(dtypes.Float32, 2))
	const numCalls = 1000
	for ii := range numCalls {
		x := buffers.FromFlat([]float32{float32(ii), 1})
		y := buffers.FromFlat([]float32{1, float32(ii)})
		require.NoError(t, exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out}))
		require.Equal(t, []float32{float32(ii) + 1, float32(ii) + 1}, buffers.Flat[float32](out))
		require.LessOrEqual(t, tracker.NumBuffers(), 2)
	}
	stats := exec.Stats()
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, int64(2*numCalls), stats.Copies)
	assert.Equal(t, int64(numCalls), stats.ReadBacks)
	assert.Equal(t, 2, exec.Cache().Entries()[0].Inputs.Len())
	assert.Equal(t, 2, tracker.NumBuffers())
}

func TestExecRebindKeepsBufferHeldByOtherSlot(t *testing.T) {
	backend := newBackend(t, "private")
	exec := NewExec(backend, sumTranslator(nil), WithDumpDir(""))
	defer exec.Finalize()
	tracker := exec.Tracker().(*Tracker)

	a := buffers.FromFlat([]float32{1, 2})
	b := buffers.FromFlat([]float32{10, 20})
	out := buffers.New(a.Shape())
	require.NoError(t, exec.Call([]*buffers.Buffer{a, a}, []*buffers.Buffer{out}))
	assert.Equal(t, int64(2), exec.Stats().Copies)
	compiled := exec.Cache().Entries()[0].Executable

	// Slot #1 still holds a, which stays fresh: only b is copied.
	require.NoError(t, exec.Call([]*buffers.Buffer{b, a}, []*buffers.Buffer{out}))
	assert.Equal(t, []float32{11, 22}, buffers.Flat[float32](out))
	assert.Equal(t, int64(3), exec.Stats().Copies)
	assert.True(t, tracker.IsFresh(a, compiled))
	assert.Equal(t, 2, tracker.NumBuffers())

	// Now no slot holds a anymore.
	require.NoError(t, exec.Call([]*buffers.Buffer{b, b}, []*buffers.Buffer{out}))
	assert.Equal(t, []float32{20, 40}, buffers.Flat[float32](out))
	assert.Equal(t, int64(4), exec.Stats().Copies)
	assert.False(t, tracker.IsFresh(a, compiled))
	assert.True(t, tracker.IsFresh(b, compiled))
	assert.Equal(t, 1, tracker.NumBuffers())
}

func TestExecWithoutFreshness(t *testing.T) {
	backend := newBackend(t, "private")
	exec := NewExec(backend, sumTranslator(nil), WithFreshnessTracker(neverFresh{}), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2})
	out := buffers.New(x.Shape())
	var previous int64
	for range 5 {
		require.NoError(t, exec.Call([]*buffers.Buffer{x, x}, []*buffers.Buffer{out}))
		copies := exec.Stats().Copies
		require.Equal(t, previous+2, copies)
		previous = copies
	}
}

func TestExecStaticInputs(t *testing.T) {
	backend := newBackend(t, "shared")
	var translations int
	var lastStatic []*buffers.Buffer
	translator := TranslatorFunc(func(inputShapes []shapes.Shape, static []*buffers.Buffer) (backends.Artifact, error) {
		lastStatic = static
		return sumTranslator(&translations)(inputShapes, static)
	})
	exec := NewExec(backend, translator, WithStaticInputs([]bool{false, true}), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2})
	bias := buffers.FromFlat([]float32{1, 1})
	out := buffers.New(x.Shape())
	require.NoError(t, exec.Call([]*buffers.Buffer{x, bias}, []*buffers.Buffer{out}))
	require.Len(t, lastStatic, 2)
	assert.Nil(t, lastStatic[0])
	assert.Same(t, bias, lastStatic[1])

	// Same static value in a different buffer: same executable.
	sameBias := buffers.FromFlat([]float32{1, 1})
	require.NoError(t, exec.Call([]*buffers.Buffer{x, sameBias}, []*buffers.Buffer{out}))
	assert.Equal(t, 1, translations)

	// Different static value: new executable.
	otherBias := buffers.FromFlat([]float32{2, 1})
	require.NoError(t, exec.Call([]*buffers.Buffer{x, otherBias}, []*buffers.Buffer{out}))
	assert.Equal(t, 2, translations)
	assert.Equal(t, []float32{3, 3}, buffers.Flat[float32](out))

	// Wrong number of inputs.
	require.Error(t, exec.Call([]*buffers.Buffer{x}, []*buffers.Buffer{out}))
}

func TestExecTypeMismatch(t *testing.T) {
	backend := newBackend(t, "shared")
	exec := NewExec(backend, sumTranslator(nil), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2})
	out := buffers.New(shapes.Make(dtypes.Float64, 2))
	err := exec.Call([]*buffers.Buffer{x, x}, []*buffers.Buffer{out})
	require.ErrorIs(t, err, ErrTypeMismatch)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, dtypes.Float64, mismatch.Expected)
	assert.Equal(t, dtypes.Float32, mismatch.Got)

	// Aborted before binding or executing.
	entry := exec.Cache().Entries()[0]
	assert.Equal(t, 0, entry.Inputs.Len())
	assert.Equal(t, 0, entry.Outputs.Len())
	assert.Equal(t, []float64{0, 0}, buffers.Flat[float64](out))

	// Wrong number of outputs or wrong dimensions.
	require.Error(t, exec.Call([]*buffers.Buffer{x, x}, nil))
	require.Error(t, exec.Call([]*buffers.Buffer{x, x}, []*buffers.Buffer{buffers.New(shapes.Make(dtypes.Float32, 3))}))
	require.Error(t, exec.Call([]*buffers.Buffer{x, nil}, []*buffers.Buffer{buffers.New(x.Shape())}))
}

func TestExecErrors(t *testing.T) {
	backend := &faultyBackend{Backend: newBackend(t, "private"), failWrites: true}
	exec := NewExec(backend, sumTranslator(nil), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2})
	out := buffers.New(x.Shape())
	require.ErrorIs(t, exec.Call([]*buffers.Buffer{x, x}, []*buffers.Buffer{out}), ErrCopy)
	assert.Equal(t, 1, exec.Stats().Cached)

	backend.panicOnCompile = true
	y := buffers.FromFlat([]float32{1, 2, 3})
	require.ErrorIs(t, exec.Call([]*buffers.Buffer{y, y}, []*buffers.Buffer{buffers.New(y.Shape())}), ErrCompile)
	assert.Equal(t, 1, exec.Stats().Cached)
}

func TestExecMetrics(t *testing.T) {
	backend := newBackend(t, "private")
	metrics := NewMetrics(prometheus.NewRegistry())
	exec := NewExec(backend, sumTranslator(nil), WithName("metered"), WithMetrics(metrics),
		WithCacheDepth(FixedCacheDepth(1)), WithDumpDir(""))
	defer exec.Finalize()

	x := buffers.FromFlat([]float32{1, 2})
	out := buffers.New(x.Shape())
	for range 3 {
		require.NoError(t, exec.Call([]*buffers.Buffer{x, x}, []*buffers.Buffer{out}))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheHits.WithLabelValues("metered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMisses.WithLabelValues("metered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Copies.WithLabelValues("metered")))
	assert.Equal(t, 16.0, testutil.ToFloat64(metrics.BytesCopied.WithLabelValues("metered")))

	_, isHostmem := exec.Backend().(*hostmem.Backend)
	assert.True(t, isHostmem)
}
