// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

// dump writes the artifact, serialized with MessagePack, to a new file in the dump directory, and returns
// its path. It returns "" if dumps are disabled or the dump failed. Failures are only logged.
func (c *ExecutableCache) dump(artifact backends.Artifact) string {
	if c.config.DumpDir == "" {
		return ""
	}
	c.numDumps++
	fileName := fmt.Sprintf("%s_%d.msgpack", dumpFileBase(c.config.Name), c.numDumps)
	path := filepath.Join(c.config.DumpDir, fileName)
	if err := writeArtifact(path, artifact); err != nil {
		klog.Warningf("%s: failed to dump artifact: %+v", c.config.Name, err)
		return ""
	}
	klog.V(1).Infof("%s: artifact dumped to %s", c.config.Name, path)
	return path
}

// dumpFailure renames a dumped artifact to mark that it failed to compile.
func (c *ExecutableCache) dumpFailure(path string) {
	errorPath, err := fsutil.ReplaceSuffix(path, ".msgpack", "_error.msgpack")
	if err != nil {
		klog.Warningf("%s: failed to rename dump of failed compilation: %v", c.config.Name, err)
		return
	}
	klog.V(1).Infof("%s: artifact that failed to compile dumped to %s", c.config.Name, errorPath)
}

func writeArtifact(path string, artifact backends.Artifact) (err error) {
	f, err := fsutil.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()
	enc := msgpack.NewEncoder(f)
	enc.SortMapKeys(true)
	if err = enc.Encode(artifact); err != nil {
		return errors.Wrapf(err, "failed to serialize artifact of type %T to %q", artifact, path)
	}
	return nil
}

// dumpFileBase makes name safe to be used as a file name.
func dumpFileBase(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
