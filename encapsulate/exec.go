// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encapsulate executes translated computations on a backend, caching the compiled executables and
// the backend tensors bound to the host buffers of each call.
//
// The main type is Exec: it computes the signature of each call (the shapes of the inputs plus the values
// of the static inputs), compiles a new executable with its Translator only when the signature is not
// cached, and reuses the tensors of previous calls whenever the input buffers are the same, skipping
// copies when the FreshnessTracker says the tensors are up-to-date.
//
// Example:
//
//	backend := must.M1(backends.New())
//	exec := encapsulate.NewExec(backend, translator, encapsulate.WithName("cluster_0"))
//	defer exec.Finalize()
//	err := exec.Call([]*buffers.Buffer{x, y}, []*buffers.Buffer{out})
//
// Buffers are identified by their pointer. A caller that rewrites the contents of an input buffer in place
// must report it with Tracker().MarkStale(buf) before using it again, otherwise the previous contents,
// already on the backend, may be used.
package encapsulate

import (
	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Translator converts the computation graph it holds into an artifact the backend can compile, for the
// given input shapes.
//
// staticInputs has one element per input: the buffer of the input if it is static (its value is part of
// the signature and can be used by the translation), or nil otherwise.
type Translator interface {
	Translate(inputShapes []shapes.Shape, staticInputs []*buffers.Buffer) (backends.Artifact, error)
}

// TranslatorFunc implements Translator with a function.
type TranslatorFunc func(inputShapes []shapes.Shape, staticInputs []*buffers.Buffer) (backends.Artifact, error)

// Translate implements Translator.
func (f TranslatorFunc) Translate(inputShapes []shapes.Shape, staticInputs []*buffers.Buffer) (backends.Artifact, error) {
	return f(inputShapes, staticInputs)
}

// Exec runs a translated computation on a backend. See package documentation for details.
//
// It is not safe for concurrent use: each encapsulated computation should have its own Exec, or the caller
// must serialize the calls.
type Exec struct {
	id         uuid.UUID
	name       string
	backend    backends.Backend
	translator Translator
	static     []bool
	tracker    FreshnessTracker

	capacity func() int
	metrics  *Metrics
	dumpDir  string
	locks    backends.CompileLocker

	cache *ExecutableCache

	copies, bytesCopied      int64
	readBacks, bytesReadBack int64
}

// ExecOption configures an Exec in NewExec.
type ExecOption func(e *Exec)

// WithName sets the name of the Exec, used in logs, metrics and dump files. Defaults to "exec_<uuid>".
func WithName(name string) ExecOption {
	return func(e *Exec) { e.name = name }
}

// WithStaticInputs marks which inputs are static: their values are part of the signature, and a different
// value triggers a new compilation. If set, calls must have exactly len(static) inputs.
func WithStaticInputs(static []bool) ExecOption {
	return func(e *Exec) { e.static = static }
}

// WithCacheDepth sets the function that returns the maximum number of executables to cache. It is called at
// every cache miss. Defaults to CacheDepthFromEnv.
func WithCacheDepth(depth func() int) ExecOption {
	return func(e *Exec) { e.capacity = depth }
}

// WithFreshnessTracker sets the tracker consulted to decide whether input buffers need to be copied again.
// If it is a FreshnessMarker, it is also updated after every call. Defaults to a new Tracker.
func WithFreshnessTracker(tracker FreshnessTracker) ExecOption {
	return func(e *Exec) { e.tracker = tracker }
}

// WithMetrics makes the Exec update the given metrics.
func WithMetrics(metrics *Metrics) ExecOption {
	return func(e *Exec) { e.metrics = metrics }
}

// WithDumpDir sets the directory where translated artifacts are dumped. Defaults to DumpDirFromEnv.
// Set it to "" to disable dumps.
func WithDumpDir(dir string) ExecOption {
	return func(e *Exec) { e.dumpDir = dir }
}

// WithCompileLocks sets where the Exec gets its compile locks from, typically the backends.Registry
// that created the backend. Defaults to backends.DefaultRegistry.
func WithCompileLocks(locks backends.CompileLocker) ExecOption {
	return func(e *Exec) { e.locks = locks }
}

// NewExec creates an Exec that translates its computation with translator and runs it on backend.
func NewExec(backend backends.Backend, translator Translator, options ...ExecOption) *Exec {
	e := &Exec{
		id:         uuid.New(),
		backend:    backend,
		translator: translator,
		capacity:   CacheDepthFromEnv,
		dumpDir:    DumpDirFromEnv(),
	}
	for _, option := range options {
		option(e)
	}
	if e.name == "" {
		e.name = "exec_" + e.id.String()
	}
	if e.tracker == nil {
		e.tracker = NewTracker()
	}
	e.cache = NewExecutableCache(backend, CacheConfig{
		Name:         e.name,
		Capacity:     e.capacity,
		Tracker:      e.tracker,
		Metrics:      e.metrics,
		DumpDir:      e.dumpDir,
		CompileLocks: e.locks,
	})
	klog.V(1).Infof("%s: created Exec %s on backend %q", e.name, e.id, backend.Name())
	return e
}

// Name of the Exec.
func (e *Exec) Name() string { return e.name }

// ID uniquely identifies the Exec.
func (e *Exec) ID() uuid.UUID { return e.id }

// Backend used by the Exec.
func (e *Exec) Backend() backends.Backend { return e.backend }

// Tracker returns the freshness tracker used by the Exec.
func (e *Exec) Tracker() FreshnessTracker { return e.tracker }

// Cache returns the executable cache owned by the Exec.
func (e *Exec) Cache() *ExecutableCache { return e.cache }

// Call executes the computation with the given input buffers, writing the results to the output buffers.
//
// The output buffers must have the shapes of the outputs of the computation for these inputs. If a dtype
// differs, a *TypeMismatchError is returned and nothing is executed.
//
// Other errors: *SignatureError, *TranslationError, *CompileError, *CopyError or errors from the backend.
func (e *Exec) Call(inputs, outputs []*buffers.Buffer) error {
	if e.static != nil && len(inputs) != len(e.static) {
		return errors.Errorf("%s: %d static input flags configured, but called with %d inputs", e.name, len(e.static), len(inputs))
	}
	for ii, buf := range inputs {
		if buf == nil {
			return errors.Errorf("%s: input #%d is nil", e.name, ii)
		}
	}
	signature, err := ComputeSignature(callSignatureInputs(inputs, e.static))
	if err != nil {
		return errors.WithMessagef(err, "%s", e.name)
	}
	if klog.V(5).Enabled() {
		klog.Infof("%s: call with signature %q", e.name, signature)
	}
	entry, _, err := e.cache.LookupOrCompile(signature, func() (backends.Artifact, error) {
		return e.translate(inputs)
	})
	if err != nil {
		return err
	}

	outputShapes := entry.Executable.Outputs()
	if len(outputs) != len(outputShapes) {
		return errors.Errorf("%s: computation has %d outputs, but %d output buffers were given", e.name, len(outputShapes), len(outputs))
	}
	for ii, buf := range outputs {
		if buf == nil {
			return errors.Errorf("%s: output #%d is nil", e.name, ii)
		}
		if buf.DType() != outputShapes[ii].DType {
			return errors.WithStack(&TypeMismatchError{Output: ii, Expected: buf.DType(), Got: outputShapes[ii].DType})
		}
		if !buf.Shape().EqualDimensions(outputShapes[ii]) {
			return errors.Errorf("%s: output #%d buffer has shape %s, but the computation outputs %s", e.name, ii, buf.Shape(), outputShapes[ii])
		}
	}

	inputTensors, err := e.bindInputs(entry, inputs)
	if err != nil {
		return err
	}
	outputTensors := make([]backends.Tensor, len(outputs))
	for ii, buf := range outputs {
		if outputTensors[ii], err = entry.Outputs.Bind(ii, buf); err != nil {
			return err
		}
	}
	if err = entry.Executable.Execute(inputTensors, outputTensors); err != nil {
		return errors.WithMessagef(err, "%s: failed to execute %q", e.name, entry.Executable.Name())
	}
	if !e.backend.HasSharedBuffers() {
		for ii, tensor := range outputTensors {
			if err = tensor.Read(outputs[ii].Bytes()); err != nil {
				return errors.WithStack(&CopyError{Slot: ii, Bytes: outputs[ii].SizeInBytes(), Cause: err})
			}
			e.readBacks++
			e.bytesReadBack += int64(outputs[ii].SizeInBytes())
		}
	}

	if marker, ok := e.tracker.(FreshnessMarker); ok {
		for _, buf := range inputs {
			marker.MarkFresh(buf, entry.Executable)
		}
		for _, buf := range outputs {
			marker.MarkStale(buf)
		}
	}
	return nil
}

func (e *Exec) translate(inputs []*buffers.Buffer) (backends.Artifact, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	staticInputs := make([]*buffers.Buffer, len(inputs))
	for ii, buf := range inputs {
		inputShapes[ii] = buf.Shape()
		if ii < len(e.static) && e.static[ii] {
			staticInputs[ii] = buf
		}
	}
	return e.translator.Translate(inputShapes, staticInputs)
}

func (e *Exec) bindInputs(entry *CacheEntry, inputs []*buffers.Buffer) ([]backends.Tensor, error) {
	copiesBefore, bytesBefore := entry.Inputs.Copies(), entry.Inputs.BytesCopied()
	defer func() {
		e.copies += entry.Inputs.Copies() - copiesBefore
		e.bytesCopied += entry.Inputs.BytesCopied() - bytesBefore
	}()
	tensors := make([]backends.Tensor, len(inputs))
	for ii, buf := range inputs {
		var err error
		if tensors[ii], err = entry.Inputs.Bind(ii, buf); err != nil {
			return nil, err
		}
	}
	return tensors, nil
}

// ExecStats reports the activity of an Exec.
type ExecStats struct {
	CacheStats

	// Cached is the number of executables currently cached.
	Cached int

	// Copies and BytesCopied count the input copies from host buffers to backend tensors.
	Copies, BytesCopied int64

	// ReadBacks and BytesReadBack count the output copies from backend tensors to host buffers, only done
	// by backends that don't share host memory.
	ReadBacks, BytesReadBack int64
}

// Stats returns the counters of the Exec.
func (e *Exec) Stats() ExecStats {
	return ExecStats{
		CacheStats:    e.cache.Stats(),
		Cached:        e.cache.Len(),
		Copies:        e.copies,
		BytesCopied:   e.bytesCopied,
		ReadBacks:     e.readBacks,
		BytesReadBack: e.bytesReadBack,
	}
}

// Finalize frees all the compiled executables and the tensors bound to them.
// The Exec can still be used afterward, it will compile again as needed.
func (e *Exec) Finalize() {
	e.cache.Finalize()
}
