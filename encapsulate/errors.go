// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Sentinel errors, matched with errors.Is against the typed errors returned by this package.
var (
	ErrSignature    = errors.New("signature error")
	ErrTranslation  = errors.New("translation error")
	ErrCompile      = errors.New("compile error")
	ErrTypeMismatch = errors.New("type mismatch")
	ErrCopy         = errors.New("copy error")
)

// SignatureError is returned when the value of a static input cannot be serialized into the signature.
type SignatureError struct {
	Input int
	Cause error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("cannot serialize static input #%d into the signature: %v", e.Input, e.Cause)
}

func (e *SignatureError) Unwrap() error       { return e.Cause }
func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// TranslationError is returned when the translator fails to produce an artifact for a signature.
type TranslationError struct {
	Signature string
	Cause     error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("failed to translate computation for signature %q: %v", e.Signature, e.Cause)
}

func (e *TranslationError) Unwrap() error       { return e.Cause }
func (e *TranslationError) Is(target error) bool { return target == ErrTranslation }

// CompileError is returned when the backend fails (or panics) compiling an artifact.
// The cache is not changed when it happens.
type CompileError struct {
	Signature string
	Backend   string
	Cause     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("backend %q failed to compile signature %q: %v", e.Backend, e.Signature, e.Cause)
}

func (e *CompileError) Unwrap() error       { return e.Cause }
func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// TypeMismatchError is returned when a compiled output dtype differs from the dtype of the buffer given
// to receive it. The executable is not executed.
type TypeMismatchError struct {
	Output        int
	Expected, Got dtypes.DType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("output #%d: buffer has dtype %s, but the executable outputs %s", e.Output, e.Expected, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// CopyError is returned when transferring bytes between a host buffer and a backend tensor fails.
// The bindings are left as they were constructed.
type CopyError struct {
	Slot  int
	Bytes int
	Cause error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("failed to copy %d bytes for slot #%d: %v", e.Bytes, e.Slot, e.Cause)
}

func (e *CopyError) Unwrap() error       { return e.Cause }
func (e *CopyError) Is(target error) bool { return target == ErrCopy }
