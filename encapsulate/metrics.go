// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of the executable caches, labeled by the name of the Exec.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CompileErrors      *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	CachedExecutables  *prometheus.GaugeVec
	Copies             *prometheus.CounterVec
	BytesCopied        *prometheus.CounterVec
	PipelinedSlotsUsed *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	labels := []string{"exec"}
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_cache_hits_total",
			Help: "Calls served by an already compiled executable",
		}, labels),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_cache_misses_total",
			Help: "Calls that required translating and compiling a new executable",
		}, labels),
		CompileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_compile_errors_total",
			Help: "Failed translations or compilations",
		}, labels),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_evictions_total",
			Help: "Compiled executables evicted from the cache",
		}, labels),
		CachedExecutables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomlx_bridge_cached_executables",
			Help: "Compiled executables currently in the cache",
		}, labels),
		Copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_copies_total",
			Help: "Host buffer to backend tensor copies",
		}, labels),
		BytesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomlx_bridge_bytes_copied_total",
			Help: "Bytes copied from host buffers to backend tensors",
		}, labels),
		PipelinedSlotsUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomlx_bridge_pipelined_slots_used",
			Help: "Pipelined tensor sets currently checked out",
		}, labels),
	}
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.CompileErrors, m.Evictions, m.CachedExecutables,
		m.Copies, m.BytesCopied, m.PipelinedSlotsUsed)
	return m
}

func (m *Metrics) hit(name string) {
	if m != nil {
		m.CacheHits.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) miss(name string) {
	if m != nil {
		m.CacheMisses.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) compileError(name string) {
	if m != nil {
		m.CompileErrors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) evicted(name string) {
	if m != nil {
		m.Evictions.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) setCached(name string, n int) {
	if m != nil {
		m.CachedExecutables.WithLabelValues(name).Set(float64(n))
	}
}

func (m *Metrics) copied(name string, bytes int) {
	if m != nil {
		m.Copies.WithLabelValues(name).Inc()
		m.BytesCopied.WithLabelValues(name).Add(float64(bytes))
	}
}

func (m *Metrics) setSlotsUsed(name string, n int) {
	if m != nil {
		m.PipelinedSlotsUsed.WithLabelValues(name).Set(float64(n))
	}
}
