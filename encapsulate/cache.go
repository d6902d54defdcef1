// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// CacheEntry holds one compiled executable and the tensors bound to its inputs and outputs.
// It is owned by its ExecutableCache: it must not be used after it is evicted.
type CacheEntry struct {
	Signature  string
	Executable backends.Executable
	Inputs     *TensorCache
	Outputs    *TensorCache
}

// CacheConfig configures an ExecutableCache. The zero value is valid.
type CacheConfig struct {
	// Name used in logs, metrics and dump file names.
	Name string

	// Capacity returns the maximum number of cached executables. It is read at every miss.
	// Values < 1 are taken as 1. Defaults to CacheDepthFromEnv.
	Capacity func() int

	// Tracker is consulted by the input TensorCaches. If it is also a FreshnessMarker, evicted
	// executables are removed from it.
	Tracker FreshnessTracker

	// Metrics, if not nil, are updated by the cache.
	Metrics *Metrics

	// DumpDir, if not empty, is where translated artifacts are dumped.
	DumpDir string

	// CompileLocks provides the lock held while compiling, per backend name.
	// Defaults to backends.DefaultRegistry.
	CompileLocks backends.CompileLocker
}

// CacheStats counts the events of an ExecutableCache.
type CacheStats struct {
	Hits, Misses, Evictions, CompileErrors int64
}

// ExecutableCache maps signatures to compiled executables, keeping at most Capacity() of them, and evicting
// the least recently used first.
//
// Evicting an executable frees it in the backend and releases all the tensors bound to it.
//
// It is not safe for concurrent use: the owner serializes its calls.
type ExecutableCache struct {
	backend backends.Backend
	config  CacheConfig

	// entries is ordered from the least recently used (oldest) to the most recently used (newest).
	entries *orderedmap.OrderedMap[string, *CacheEntry]

	numDumps int
	stats    CacheStats
}

// NewExecutableCache creates an empty ExecutableCache for the backend.
func NewExecutableCache(backend backends.Backend, config CacheConfig) *ExecutableCache {
	if config.Capacity == nil {
		config.Capacity = CacheDepthFromEnv
	}
	if config.Name == "" {
		config.Name = "encapsulate"
	}
	if config.CompileLocks == nil {
		config.CompileLocks = backends.DefaultRegistry
	}
	return &ExecutableCache{
		backend: backend,
		config:  config,
		entries: orderedmap.New[string, *CacheEntry](),
	}
}

// Backend used to compile the executables.
func (c *ExecutableCache) Backend() backends.Backend { return c.backend }

// Capacity returns the current capacity, as read from the configuration.
func (c *ExecutableCache) Capacity() int {
	return max(c.config.Capacity(), 1)
}

// LookupOrCompile returns the entry for the signature, and whether it was already cached.
//
// On a hit the entry becomes the most recently used. On a miss translate is called and the resulting
// artifact compiled, under the backend's compile lock. If either fails (a panic in the backend's Compile
// included) a *TranslationError or a *CompileError is returned and the cache is left untouched. Otherwise,
// the least recently used entries are evicted until there is room for the new one, and it is inserted as
// the most recently used.
func (c *ExecutableCache) LookupOrCompile(signature string, translate func() (backends.Artifact, error)) (*CacheEntry, bool, error) {
	if pair := c.entries.GetPair(signature); pair != nil {
		if err := c.entries.MoveToBack(signature); err != nil {
			exceptions.Panicf("ExecutableCache %q: failed to promote cached signature %q: %+v", c.config.Name, signature, err)
		}
		c.stats.Hits++
		c.config.Metrics.hit(c.config.Name)
		return pair.Value, true, nil
	}
	c.stats.Misses++
	c.config.Metrics.miss(c.config.Name)
	if klog.V(1).Enabled() {
		klog.Infof("%s: cache miss for signature %q (%d cached)", c.config.Name, signature, c.entries.Len())
	}

	artifact, err := translate()
	if err != nil {
		c.stats.CompileErrors++
		c.config.Metrics.compileError(c.config.Name)
		return nil, false, errors.WithStack(&TranslationError{Signature: signature, Cause: err})
	}
	dumpPath := c.dump(artifact)
	exec, err := c.compile(artifact)
	if err != nil {
		c.stats.CompileErrors++
		c.config.Metrics.compileError(c.config.Name)
		if dumpPath != "" {
			c.dumpFailure(dumpPath)
		}
		return nil, false, errors.WithStack(&CompileError{Signature: signature, Backend: c.backend.Name(), Cause: err})
	}

	capacity := c.Capacity()
	for c.entries.Len() >= capacity {
		c.evictOldest()
	}
	entry := &CacheEntry{
		Signature:  signature,
		Executable: exec,
		Inputs:     c.newTensorCache(InputTensors, exec),
		Outputs:    c.newTensorCache(OutputTensors, exec),
	}
	c.entries.Set(signature, entry)
	c.config.Metrics.setCached(c.config.Name, c.entries.Len())
	return entry, false, nil
}

// compile the artifact holding the backend's compile lock. Panics are converted to errors.
func (c *ExecutableCache) compile(artifact backends.Artifact) (exec backends.Executable, err error) {
	lock := c.config.CompileLocks.CompileLock(c.backend.Name())
	lock.Lock()
	defer lock.Unlock()
	exception := exceptions.Try(func() {
		exec, err = c.backend.Compile(artifact)
	})
	if exception != nil {
		if excErr, ok := exception.(error); ok {
			err = errors.WithMessage(excErr, "panic while compiling")
		} else {
			err = errors.Errorf("panic while compiling: %v", exception)
		}
		return nil, err
	}
	if err == nil && exec == nil {
		err = errors.New("backend returned no executable and no error")
	}
	return
}

func (c *ExecutableCache) newTensorCache(kind TensorCacheKind, exec backends.Executable) *TensorCache {
	tc := NewTensorCache(kind, c.backend, exec, c.config.Tracker)
	tc.metrics = c.config.Metrics
	tc.metricsName = c.config.Name
	return tc
}

// evictOldest removes the least recently used entry. It is a no-op if the cache is empty.
func (c *ExecutableCache) evictOldest() {
	oldest := c.entries.Oldest()
	if oldest == nil {
		return
	}
	entry := oldest.Value
	c.entries.Delete(oldest.Key)
	freed := c.release(entry)
	c.stats.Evictions++
	c.config.Metrics.evicted(c.config.Name)
	c.config.Metrics.setCached(c.config.Name, c.entries.Len())
	klog.V(1).Infof("%s: evicted executable for signature %q, freeing %s of tensors",
		c.config.Name, entry.Signature, humanize.Bytes(uint64(freed)))
}

// release frees the executable and the tensors of the entry, returning the number of tensor bytes released.
// Failures are logged, never returned.
func (c *ExecutableCache) release(entry *CacheEntry) (freed int) {
	if marker, ok := c.config.Tracker.(FreshnessMarker); ok {
		marker.RemoveExecutable(entry.Executable)
	}
	exception := exceptions.Try(func() {
		freed = entry.Inputs.Release() + entry.Outputs.Release()
	})
	if exception != nil {
		klog.Errorf("%s: failed to release tensors of signature %q: %v", c.config.Name, entry.Signature, exception)
	}
	exception = exceptions.Try(func() {
		c.backend.RemoveCompiled(entry.Executable)
	})
	if exception != nil {
		klog.Errorf("%s: failed to remove compiled executable of signature %q: %v", c.config.Name, entry.Signature, exception)
	}
	return
}

// Len returns the number of cached executables.
func (c *ExecutableCache) Len() int { return c.entries.Len() }

// Contains returns whether the signature is cached, without changing its position.
func (c *ExecutableCache) Contains(signature string) bool {
	_, found := c.entries.Get(signature)
	return found
}

// Signatures returns the cached signatures, from the least to the most recently used.
func (c *ExecutableCache) Signatures() []string {
	signatures := make([]string, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		signatures = append(signatures, pair.Key)
	}
	return signatures
}

// Entries returns the cached entries, from the least to the most recently used.
func (c *ExecutableCache) Entries() []*CacheEntry {
	entries := make([]*CacheEntry, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, pair.Value)
	}
	return entries
}

// Stats returns the counters of the cache.
func (c *ExecutableCache) Stats() CacheStats { return c.stats }

// Finalize evicts every entry. The cache can still be used afterward.
func (c *ExecutableCache) Finalize() {
	for c.entries.Len() > 0 {
		c.evictOldest()
	}
}
