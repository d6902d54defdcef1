// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encapsulate

import (
	"bytes"
	"strings"

	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// SignatureInput describes one input of a call, for the purpose of computing its signature.
type SignatureInput struct {
	Shape shapes.Shape

	// Static inputs have their Value serialized into the signature: different values compile to different
	// executables.
	Static bool

	// Value of a static input: a *buffers.Buffer or []byte are used as raw bytes, anything else is
	// serialized with MessagePack. Ignored if Static is false.
	Value any
}

// ComputeSignature returns the key used to cache compiled executables.
//
// For each input, each of its dimensions is written followed by ",", and the input is closed with ";".
// Then comes "/" and, for every static input, its serialized value followed by ";".
//
// Inputs with equal shapes and byte-identical static values always yield the same signature, and are
// assumed to compile to equivalent executables. The dtypes are not part of the signature.
func ComputeSignature(inputs []SignatureInput) (string, error) {
	var sb strings.Builder
	for _, input := range inputs {
		input.Shape.AppendDimensions(&sb)
		sb.WriteByte(';')
	}
	sb.WriteByte('/')
	for ii, input := range inputs {
		if !input.Static {
			continue
		}
		data, err := serializeStatic(input.Value)
		if err != nil {
			return "", errors.WithStack(&SignatureError{Input: ii, Cause: err})
		}
		sb.Write(data)
		sb.WriteByte(';')
	}
	return sb.String(), nil
}

// serializeStatic converts a static value to its byte representation.
func serializeStatic(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.New("static input has no value")
	case *buffers.Buffer:
		if v == nil {
			return nil, errors.New("static input is a nil buffer")
		}
		return v.Bytes(), nil
	case []byte:
		return v, nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SortMapKeys(true)
	if err := enc.Encode(value); err != nil {
		return nil, errors.Wrapf(err, "failed to serialize static value of type %T", value)
	}
	return buf.Bytes(), nil
}

// callSignatureInputs builds the SignatureInput for each buffer of a call.
func callSignatureInputs(inputs []*buffers.Buffer, static []bool) []SignatureInput {
	sigInputs := make([]SignatureInput, len(inputs))
	for ii, buf := range inputs {
		sigInputs[ii].Shape = buf.Shape()
		if ii < len(static) && static[ii] {
			sigInputs[ii].Static = true
			sigInputs[ii].Value = buf
		}
	}
	return sigInputs
}
