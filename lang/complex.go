// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

import "sort"

// ComplexSocket exposes one socket of a subgraph on its calling node.
// Internal names the node inside the subgraph backing the socket: an
// Input node for exposed inputs, an Output node for exposed outputs.
// Data moves through the Internal node's "data" socket on either side
// of a call.
type ComplexSocket struct {
	Name     string
	Type     SocketType
	Internal Resource
}

// ComplexOperator references another graph as a callable operator. Its
// exposed parameters are carried as substitutions applied to the callee
// frame on every call, leaving the shared subgraph definition untouched.
type ComplexOperator struct {
	Graph   Resource
	Title   string
	inputs  []ComplexSocket
	outputs []ComplexSocket
	params  []ParamSubstitution
}

// NewComplexOperator builds a complex operator for the given subgraph.
func NewComplexOperator(graph Resource, title string) *ComplexOperator {
	return &ComplexOperator{Graph: graph, Title: title}
}

// ExposeInput adds an exposed input backed by an Input node of the
// subgraph. Sockets keep a stable name-sorted order.
func (c *ComplexOperator) ExposeInput(name string, ty SocketType, internal Resource) {
	c.inputs = insertSocket(c.inputs, ComplexSocket{Name: name, Type: ty, Internal: internal})
}

// ExposeOutput adds an exposed output backed by an Output node of the
// subgraph.
func (c *ComplexOperator) ExposeOutput(name string, ty SocketType, internal Resource) {
	c.outputs = insertSocket(c.outputs, ComplexSocket{Name: name, Type: ty, Internal: internal})
}

func insertSocket(sockets []ComplexSocket, s ComplexSocket) []ComplexSocket {
	i := sort.Search(len(sockets), func(i int) bool { return sockets[i].Name >= s.Name })
	if i < len(sockets) && sockets[i].Name == s.Name {
		sockets[i] = s
		return sockets
	}
	sockets = append(sockets, ComplexSocket{})
	copy(sockets[i+1:], sockets[i:])
	sockets[i] = s
	return sockets
}

// ExposeParameter sets the value of an exposed parameter. The resource
// names the internal parameter the value substitutes on each call.
func (c *ComplexOperator) ExposeParameter(param Resource, value []byte) {
	for i, s := range c.params {
		if s.Resource == param {
			c.params[i].Value = value
			return
		}
	}
	c.params = append(c.params, ParamSubstitution{Resource: param, Value: value})
}

// Substitutions returns the parameter overrides applied to each call.
func (c *ComplexOperator) Substitutions() []ParamSubstitution { return c.params }

// ComplexInputs lists the exposed input sockets with their internal
// backing nodes.
func (c *ComplexOperator) ComplexInputs() []ComplexSocket { return c.inputs }

// ComplexOutputs lists the exposed output sockets with their internal
// backing nodes.
func (c *ComplexOperator) ComplexOutputs() []ComplexSocket { return c.outputs }

// OpName identifies complex operators in diagnostics and events.
func (c *ComplexOperator) OpName() string { return "call:" + c.Graph.Path() }

// Inputs lists the exposed inputs as plain socket declarations.
func (c *ComplexOperator) Inputs() []InputSocket {
	ins := make([]InputSocket, len(c.inputs))
	for i, s := range c.inputs {
		ins[i] = InputSocket{Name: s.Name, Type: s.Type}
	}
	return ins
}

// Outputs lists the exposed outputs as plain socket declarations.
func (c *ComplexOperator) Outputs() []OutputSocket {
	outs := make([]OutputSocket, len(c.outputs))
	for i, s := range c.outputs {
		outs[i] = OutputSocket{Name: s.Name, Type: s.Type}
	}
	return outs
}

// ParamHash hashes the callee identity and every exposed parameter
// value, so a changed exposed parameter invalidates the call's cache.
func (c *ComplexOperator) ParamHash() uint64 {
	parts := make([][]byte, 0, 1+2*len(c.params))
	parts = append(parts, []byte(c.Graph.String()))
	for _, s := range c.params {
		parts = append(parts, []byte(s.Resource.String()), s.Value)
	}
	return hashBytes(parts...)
}

// SetParameter overrides an exposed parameter by its field name. The
// field must match the fragment of an exposed parameter resource.
func (c *ComplexOperator) SetParameter(field string, data []byte) error {
	for i, s := range c.params {
		if s.Resource.Fragment() == field {
			c.params[i].Value = data
			return nil
		}
	}
	return ErrUnknownField
}

// Clone deep-copies the operator.
func (c *ComplexOperator) Clone() ComplexOperator {
	cp := *c
	cp.inputs = append([]ComplexSocket(nil), c.inputs...)
	cp.outputs = append([]ComplexSocket(nil), c.outputs...)
	cp.params = make([]ParamSubstitution, len(c.params))
	for i, s := range c.params {
		cp.params[i] = ParamSubstitution{
			Resource: s.Resource,
			Value:    append([]byte(nil), s.Value...),
		}
	}
	return cp
}
