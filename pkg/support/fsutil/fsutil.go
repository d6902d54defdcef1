// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil has the file system helpers used to write diagnostic dumps.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// EnsureDir creates dir, and its parents, if it doesn't exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// Create creates (or truncates) the file at filePath, creating its parent directories as needed.
func Create(filePath string) (*os.File, error) {
	if err := EnsureDir(filepath.Dir(filePath)); err != nil {
		return nil, err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", filePath)
	}
	return f, nil
}

// ReplaceSuffix renames filePath, which must end with oldSuffix, to the same name ending with newSuffix
// instead. It returns the new path.
func ReplaceSuffix(filePath, oldSuffix, newSuffix string) (string, error) {
	base, found := strings.CutSuffix(filePath, oldSuffix)
	if !found {
		return "", errors.Errorf("file %q doesn't end with %q", filePath, oldSuffix)
	}
	newPath := base + newSuffix
	if err := os.Rename(filePath, newPath); err != nil {
		return "", errors.Wrapf(err, "failed to rename %q", filePath)
	}
	return newPath, nil
}

// ReplaceTildeInDir replaces a leading "~" or "~user" in dir by the user's home directory.
// Returns dir unchanged if it doesn't start with "~".
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, rest), nil
}
