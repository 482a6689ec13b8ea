// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
)

// InputSocket declares one input of an operator.
type InputSocket struct {
	Name     string
	Type     SocketType
	Optional bool
}

// OutputSocket declares one output of an operator.
type OutputSocket struct {
	Name string
	Type SocketType
}

// AtomicOperator is a directly GPU-executable operator. Implementations
// are plain parameter structs; the interpreter special-cases the
// non-compute kinds (Input, Output, Image, Svg) and treats everything
// else as a generic compute dispatch against the shader library.
type AtomicOperator interface {
	// OpName is the stable identifier of the operator, used as the
	// shader library key and in diagnostics.
	OpName() string

	// Inputs lists the declared input sockets in a stable order.
	Inputs() []InputSocket

	// Outputs lists the declared output sockets in a stable order.
	Outputs() []OutputSocket

	// Uniforms returns the packed parameter block uploaded to the
	// shader. Operators without GPU parameters return nil.
	Uniforms() []byte

	// ParamHash hashes the current parameter state. Two operators with
	// equal hashes produce identical output given identical inputs.
	ParamHash() uint64

	// SetParameter overwrites one parameter field from its packed
	// representation. Unknown fields return ErrUnknownField.
	SetParameter(field string, data []byte) error

	// CloneAtomic returns an independent copy, so substitutions never
	// mutate the operator stored in a shared program.
	CloneAtomic() AtomicOperator
}

// ErrUnknownField is returned by SetParameter for an undeclared field.
var ErrUnknownField = errors.New("lang: unknown parameter field")

// ErrShortData is returned by SetParameter when the packed value is
// shorter than the field requires.
var ErrShortData = errors.New("lang: short parameter data")

// hashBytes is FNV-1a over a packed parameter block.
func hashBytes(data ...[]byte) uint64 {
	h := fnv.New64a()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum64()
}

// Packed little-endian field codecs shared by the operator structs.

func putF32(buf []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}

func putU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func getF32(data []byte) (float32, error) {
	if len(data) < 4 {
		return 0, ErrShortData
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
}

func getU32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, ErrShortData
	}
	return binary.LittleEndian.Uint32(data), nil
}

// PackF32 encodes a float parameter value for SetParameter and
// substitutions.
func PackF32(v float32) []byte { return putF32(nil, v) }

// PackU32 encodes an integer or enum parameter value.
func PackU32(v uint32) []byte { return putU32(nil, v) }

// Operator is the closed tagged variant over atomic and complex
// operators. Exactly one of the two arms is set.
type Operator struct {
	atomic  AtomicOperator
	complex *ComplexOperator
}

// AtomicOp wraps an atomic operator.
func AtomicOp(op AtomicOperator) Operator {
	return Operator{atomic: op}
}

// ComplexOp wraps a complex operator.
func ComplexOp(op *ComplexOperator) Operator {
	return Operator{complex: op}
}

// IsComplex reports whether the operator references a subgraph.
func (o Operator) IsComplex() bool { return o.complex != nil }

// Atomic returns the atomic arm, or nil.
func (o Operator) Atomic() AtomicOperator { return o.atomic }

// Complex returns the complex arm, or nil.
func (o Operator) Complex() *ComplexOperator { return o.complex }

// Inputs lists the operator's input sockets regardless of arm.
func (o Operator) Inputs() []InputSocket {
	if o.complex != nil {
		return o.complex.Inputs()
	}
	return o.atomic.Inputs()
}

// Outputs lists the operator's output sockets regardless of arm.
func (o Operator) Outputs() []OutputSocket {
	if o.complex != nil {
		return o.complex.Outputs()
	}
	return o.atomic.Outputs()
}

// OpName returns the operator identifier regardless of arm.
func (o Operator) OpName() string {
	if o.complex != nil {
		return o.complex.OpName()
	}
	return o.atomic.OpName()
}

// ParamHash returns the parameter hash regardless of arm.
func (o Operator) ParamHash() uint64 {
	if o.complex != nil {
		return o.complex.ParamHash()
	}
	return o.atomic.ParamHash()
}

// SetParameter forwards to the active arm.
func (o Operator) SetParameter(field string, data []byte) error {
	if o.complex != nil {
		return o.complex.SetParameter(field, data)
	}
	return o.atomic.SetParameter(field, data)
}

// Clone deep-copies the operator so parameter substitutions stay local.
func (o Operator) Clone() Operator {
	if o.complex != nil {
		c := o.complex.Clone()
		return Operator{complex: &c}
	}
	return Operator{atomic: o.atomic.CloneAtomic()}
}

// SocketsByVariable lists all socket names of the operator that share
// the given type variable.
func (o Operator) SocketsByVariable(v TypeVariable) []string {
	var names []string
	for _, in := range o.Inputs() {
		if in.Type.IsPolymorphic() && in.Type.Variable() == v {
			names = append(names, in.Name)
		}
	}
	for _, out := range o.Outputs() {
		if out.Type.IsPolymorphic() && out.Type.Variable() == v {
			names = append(names, out.Name)
		}
	}
	return names
}

// String renders the operator for diagnostics.
func (o Operator) String() string {
	if o.complex != nil {
		return fmt.Sprintf("complex(%s)", o.complex.Graph)
	}
	return o.atomic.OpName()
}
