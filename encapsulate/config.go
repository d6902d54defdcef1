// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"os"
	"strconv"

	"github.com/gomlx/bridge/pkg/support/fsutil"
	"k8s.io/klog/v2"
)

const (
	// DefaultCacheDepth is the number of compiled executables kept per Exec if not configured otherwise.
	DefaultCacheDepth = 16

	// EnvCacheDepth is the environment variable that overrides DefaultCacheDepth.
	// It is read at every cache miss, so it can be changed while the program runs.
	EnvCacheDepth = "GOMLX_BRIDGE_CACHE_DEPTH"

	// EnvDumpDir is the environment variable with the directory where translated artifacts are dumped,
	// for debugging. Dumps are disabled if empty.
	EnvDumpDir = "GOMLX_BRIDGE_DUMP_DIR"
)

// CacheDepthFromEnv returns the cache depth configured in $GOMLX_BRIDGE_CACHE_DEPTH, or DefaultCacheDepth.
//
// It is the default capacity function of an Exec.
func CacheDepthFromEnv() int {
	value, found := os.LookupEnv(EnvCacheDepth)
	if !found || value == "" {
		return DefaultCacheDepth
	}
	depth, err := strconv.Atoi(value)
	if err != nil {
		klog.Warningf("invalid $%s=%q, using default cache depth %d: %v", EnvCacheDepth, value, DefaultCacheDepth, err)
		return DefaultCacheDepth
	}
	return depth
}

// DumpDirFromEnv returns the dump directory configured in $GOMLX_BRIDGE_DUMP_DIR, with "~" expanded to the
// user's home directory. It returns "" if dumps are disabled.
func DumpDirFromEnv() string {
	dir := os.Getenv(EnvDumpDir)
	if dir == "" {
		return ""
	}
	expanded, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		klog.Warningf("invalid $%s=%q, artifact dumps disabled: %v", EnvDumpDir, dir, err)
		return ""
	}
	return expanded
}

// FixedCacheDepth returns a capacity function that always returns depth. Use it with WithCacheDepth.
func FixedCacheDepth(depth int) func() int {
	return func() int { return depth }
}
