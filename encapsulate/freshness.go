// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"sync"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/pkg/support/sets"
	"github.com/gomlx/bridge/types/buffers"
	"k8s.io/klog/v2"
)

// FreshnessTracker reports whether the backend tensor bound to a buffer, for the given executable,
// still holds the buffer's current contents, in which case no copy is needed.
type FreshnessTracker interface {
	IsFresh(buf *buffers.Buffer, exec backends.Executable) bool
}

// FreshnessMarker is a FreshnessTracker that is also told about new copies and writes.
// Exec updates it after every successful call.
type FreshnessMarker interface {
	FreshnessTracker

	// MarkFresh records that the tensor bound to buf for exec holds the current contents of buf.
	MarkFresh(buf *buffers.Buffer, exec backends.Executable)

	// MarkStale records that the contents of buf changed: no executable holds a fresh copy anymore.
	MarkStale(buf *buffers.Buffer)

	// Unmark records that exec no longer holds a copy of buf, typically because the tensor that held it
	// was rebound to another buffer.
	Unmark(buf *buffers.Buffer, exec backends.Executable)

	// RemoveExecutable forgets everything about exec, typically after it is evicted.
	RemoveExecutable(exec backends.Executable)
}

// Tracker is the default FreshnessMarker. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	fresh map[*buffers.Buffer]sets.Set[backends.Executable]
}

var _ FreshnessMarker = &Tracker{}

// NewTracker returns an empty Tracker: nothing is fresh.
func NewTracker() *Tracker {
	return &Tracker{fresh: make(map[*buffers.Buffer]sets.Set[backends.Executable])}
}

// IsFresh implements FreshnessTracker.
func (t *Tracker) IsFresh(buf *buffers.Buffer, exec backends.Executable) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fresh[buf].Has(exec)
}

// MarkFresh implements FreshnessMarker.
func (t *Tracker) MarkFresh(buf *buffers.Buffer, exec backends.Executable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	execs, found := t.fresh[buf]
	if !found {
		execs = sets.Make[backends.Executable](1)
		t.fresh[buf] = execs
	}
	execs.Insert(exec)
}

// MarkStale implements FreshnessMarker.
func (t *Tracker) MarkStale(buf *buffers.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fresh, buf)
}

// Unmark implements FreshnessMarker.
func (t *Tracker) Unmark(buf *buffers.Buffer, exec backends.Executable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	execs, found := t.fresh[buf]
	if !found || !execs.Remove(exec) {
		return
	}
	if execs.Len() == 0 {
		delete(t.fresh, buf)
	}
}

// RemoveExecutable implements FreshnessMarker.
func (t *Tracker) RemoveExecutable(exec backends.Executable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed int
	for buf, execs := range t.fresh {
		if !execs.Remove(exec) {
			continue
		}
		removed++
		if execs.Len() == 0 {
			delete(t.fresh, buf)
		}
	}
	if removed > 0 {
		klog.V(2).Infof("freshness tracker: %s dropped from %d buffers", exec.Name(), removed)
	}
}

// Forget drops the buffer from the tracker, so it no longer holds a reference to it.
// It is the same as MarkStale.
func (t *Tracker) Forget(buf *buffers.Buffer) {
	t.MarkStale(buf)
}

// NumBuffers returns the number of buffers with at least one fresh executable.
func (t *Tracker) NumBuffers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fresh)
}
