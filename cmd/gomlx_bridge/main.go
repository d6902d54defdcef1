// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_bridge runs a synthetic workload through an encapsulate.Exec and reports how well the executable and
// tensor caches did: compilations, evictions, copies skipped and bytes transferred.
//
// Example:
//
//	GOMLX_BACKEND=hostmem:private gomlx_bridge -calls=10000 -num_shapes=20 -cache_depth=8
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/backends/hostmem"
	"github.com/gomlx/bridge/encapsulate"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", fmt.Sprintf("Backend configuration, e.g. \"hostmem:private\". "+
		"Defaults to $%s or the first registered backend.", backends.GOMLX_BACKEND))
	flagCalls     = flag.Int("calls", 5000, "Number of calls to execute.")
	flagNumShapes = flag.Int("num_shapes", 12, "Number of distinct input shapes (and hence executables) in the workload.")
	flagSize      = flag.Int("size", 1024, "Number of elements of the smallest input; each shape adds this many elements.")
	flagCacheSize = flag.Int("cache_depth", 0, fmt.Sprintf("Maximum number of cached executables. "+
		"If 0 it uses $%s or %d.", encapsulate.EnvCacheDepth, encapsulate.DefaultCacheDepth))
	flagNewBuffers = flag.Float64("new_buffers", 0.1, "Fraction of calls that use newly allocated input buffers, "+
		"as opposed to reusing the buffers of the previous call with the same shape.")
	flagRewrites = flag.Float64("rewrites", 0.1, "Fraction of calls that rewrite the input buffers in place "+
		"(and report them stale) before calling.")
	flagStatic   = flag.Bool("static", false, "Make the last input static: its values become part of the signature.")
	flagSeed     = flag.Uint64("seed", 42, "Random seed of the workload.")
	flagWorkers  = flag.Int("pipelined_workers", 4, "Number of concurrent workers in the pipelined phase. 0 disables it.")
	flagDepth    = flag.Int("pipelined_depth", 2, "Number of pipelined tensor sets shared by the workers.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
	flagMetrics  = flag.Bool("metrics", false, "Display the Prometheus metrics collected at the end.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNumShapes < 1 || *flagSize < 1 || *flagCalls < 0 {
		klog.Errorf("-num_shapes and -size must be positive and -calls non-negative. See 'gomlx_bridge -help'.")
		os.Exit(1)
	}
	if *flagWorkers > 0 && *flagDepth < 1 {
		klog.Errorf("-pipelined_depth must be positive if -pipelined_workers is set. See 'gomlx_bridge -help'.")
		os.Exit(1)
	}

	var backend backends.Backend
	if *flagBackend == "" {
		backend = must.M1(backends.New())
	} else {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	}
	defer backend.Finalize()
	klog.V(1).Infof("Backend: %s", backend.Description())

	reg := prometheus.NewRegistry()
	metrics := encapsulate.NewMetrics(reg)
	options := []encapsulate.ExecOption{
		encapsulate.WithName("gomlx_bridge"),
		encapsulate.WithMetrics(metrics),
	}
	if *flagCacheSize > 0 {
		options = append(options, encapsulate.WithCacheDepth(encapsulate.FixedCacheDepth(*flagCacheSize)))
	}
	if *flagStatic {
		options = append(options, encapsulate.WithStaticInputs([]bool{false, true}))
	}
	exec := encapsulate.NewExec(backend, encapsulate.TranslatorFunc(translateSum), options...)
	defer exec.Finalize()

	w := newWorkload(exec, *flagNumShapes, *flagSize, *flagSeed)
	elapsed := w.run(*flagCalls, *flagProgress)
	fmt.Println(titleStyle.Render("Executable cache"))
	fmt.Println(execTable(exec, w, elapsed).Render())
	if hostBackend, ok := backend.(*hostmem.Backend); ok {
		fmt.Println(titleStyle.Render("Backend"))
		fmt.Println(hostmemTable(hostBackend).Render())
	}

	if *flagWorkers > 0 {
		report := must.M1(runPipelined(backend, metrics, *flagWorkers, *flagDepth, *flagCalls, *flagSize))
		fmt.Println(titleStyle.Render("Pipelined execution"))
		fmt.Println(report.table().Render())
	}

	if *flagMetrics {
		fmt.Println(titleStyle.Render("Metrics"))
		fmt.Println(metricsTable(must.M1(reg.Gather())).Render())
	}
}

// translateSum is the Translator of the workload: the element-wise sum of all inputs.
func translateSum(inputShapes []shapes.Shape, _ []*buffers.Buffer) (backends.Artifact, error) {
	name := fmt.Sprintf("sum_%d", inputShapes[0].Size())
	return hostmem.Elementwise(name, inputShapes[0], len(inputShapes), func(args []float32) float32 {
		var sum float32
		for _, v := range args {
			sum += v
		}
		return sum
	}), nil
}

// workload keeps one set of buffers per shape, and calls the Exec with randomly chosen shapes.
type workload struct {
	exec    *encapsulate.Exec
	rng     *rand.Rand
	shapes  []shapes.Shape
	inputs  [][]*buffers.Buffer
	outputs []*buffers.Buffer

	newBuffers, rewrites int
	durations            []time.Duration
}

func newWorkload(exec *encapsulate.Exec, numShapes, size int, seed uint64) *workload {
	w := &workload{
		exec:    exec,
		rng:     rand.New(rand.NewPCG(seed, seed+1)),
		shapes:  make([]shapes.Shape, numShapes),
		inputs:  make([][]*buffers.Buffer, numShapes),
		outputs: make([]*buffers.Buffer, numShapes),
	}
	for ii := range numShapes {
		w.shapes[ii] = shapes.Make(dtypes.Float32, size*(ii+1))
		w.inputs[ii] = []*buffers.Buffer{w.newInput(ii), w.newInput(ii)}
		w.outputs[ii] = buffers.New(w.shapes[ii])
	}
	return w
}

func (w *workload) newInput(shapeIdx int) *buffers.Buffer {
	buf := buffers.New(w.shapes[shapeIdx])
	flat := buffers.Flat[float32](buf)
	for ii := range flat {
		flat[ii] = float32(shapeIdx)
	}
	return buf
}

// run executes numCalls calls and returns the total time spent.
func (w *workload) run(numCalls int, withProgress bool) time.Duration {
	var bar *progressBar
	if withProgress && numCalls > 0 {
		bar = newProgressBar(numCalls, "calls", func() [][2]string {
			stats := w.exec.Stats()
			return [][2]string{
				{"Cached executables", humanize.Comma(int64(stats.Cached))},
				{"Hits / Misses", fmt.Sprintf("%s / %s", humanize.Comma(stats.Hits), humanize.Comma(stats.Misses))},
				{"Copies", humanize.Comma(stats.Copies)},
			}
		})
	}
	w.durations = make([]time.Duration, 0, numCalls)
	start := time.Now()
	for range numCalls {
		w.call()
		if bar != nil {
			bar.add(1)
		}
	}
	elapsed := time.Since(start)
	if bar != nil {
		bar.done()
	}
	return elapsed
}

func (w *workload) call() {
	shapeIdx := w.rng.IntN(len(w.shapes))
	inputs := w.inputs[shapeIdx]
	if w.rng.Float64() < *flagNewBuffers {
		inputs[0] = w.newInput(shapeIdx)
		w.newBuffers++
	} else if w.rng.Float64() < *flagRewrites {
		flat := buffers.Flat[float32](inputs[0])
		flat[w.rng.IntN(len(flat))] += 1
		if marker, ok := w.exec.Tracker().(encapsulate.FreshnessMarker); ok {
			marker.MarkStale(inputs[0])
		}
		w.rewrites++
	}
	start := time.Now()
	must.M(w.exec.Call(inputs, w.outputs[shapeIdx : shapeIdx+1]))
	w.durations = append(w.durations, time.Since(start))
}

// medianDuration of the calls run so far.
func (w *workload) medianDuration() time.Duration {
	if len(w.durations) == 0 {
		return 0
	}
	sorted := slices.Clone(w.durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
