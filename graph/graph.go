// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package graph holds the editable structures a program is compiled
// from: node graphs with typed edges and polymorphic socket inference,
// and layer stacks that compile to the same instruction stream.
package graph

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gogpu/texgraph/lang"
)

var (
	// ErrNodeNotFound is returned when an operation names a node the
	// graph does not contain.
	ErrNodeNotFound = errors.New("graph: node not found")

	// ErrSocketNotFound is returned when a socket name does not exist
	// on its node's operator.
	ErrSocketNotFound = errors.New("graph: socket not found")

	// ErrInvalidConnection covers self connections and connections not
	// running from an output socket to an input socket.
	ErrInvalidConnection = errors.New("graph: invalid connection")

	// ErrTypeMismatch is returned when two monomorphic sockets of
	// different image kinds are connected.
	ErrTypeMismatch = errors.New("graph: socket type mismatch")

	// ErrPolyPoly is returned when both sockets of a connection are
	// still polymorphic. One side must be concrete to unify against.
	ErrPolyPoly = errors.New("graph: cannot connect two polymorphic sockets")
)

// Event is a notification emitted by graph mutations. Callers forward
// these to whoever mirrors graph state, such as a socket registry.
type Event interface {
	graphEvent()
}

// SocketMonomorphized reports that a polymorphic socket resolved to a
// concrete image kind.
type SocketMonomorphized struct {
	Socket lang.Resource
	Type   lang.ImageType
}

// SocketDemonomorphized reports that a socket returned to its
// polymorphic state after its last constraining edge was removed.
type SocketDemonomorphized struct {
	Socket lang.Resource
}

// SocketsDisconnected reports a removed edge.
type SocketsDisconnected struct {
	From, To lang.Resource
}

// NodeResized reports a node's new output side length.
type NodeResized struct {
	Node lang.Resource
	Size int
}

func (SocketMonomorphized) graphEvent()   {}
func (SocketDemonomorphized) graphEvent() {}
func (SocketsDisconnected) graphEvent()   {}
func (NodeResized) graphEvent()           {}

// Connection is one edge of the graph, as a pair of socket resources.
type Connection struct {
	From, To lang.Resource
}

// node is an operator instance with its sizing policy and the current
// assignments of its type variables.
type node struct {
	op           lang.Operator
	absoluteSize bool
	scale        int
	typeVars     map[lang.TypeVariable]lang.ImageType
}

func newNode(op lang.Operator) *node {
	n := &node{op: op, typeVars: make(map[lang.TypeVariable]lang.ImageType)}
	// External images carry their own pixel dimensions.
	if _, ok := op.Atomic().(*lang.Image); ok {
		n.absoluteSize = true
	}
	return n
}

// size resolves the node's output side length against the parent size.
func (n *node) size(parent int) int {
	if _, ok := n.op.Atomic().(*lang.Image); ok {
		if n.scale < lang.MinImageSize {
			return lang.MinImageSize
		}
		return n.scale
	}
	base := parent
	if n.absoluteSize {
		base = 2
	}
	return lang.ScaledImageSize(base, n.scale)
}

// socketType resolves the declared type of a socket against the node's
// type variable assignments. A bound variable reports as monomorphic.
func (n *node) socketType(socket string) (lang.SocketType, error) {
	var declared lang.SocketType
	found := false
	for _, in := range n.op.Inputs() {
		if in.Name == socket {
			declared, found = in.Type, true
			break
		}
	}
	if !found {
		for _, out := range n.op.Outputs() {
			if out.Name == socket {
				declared, found = out.Type, true
				break
			}
		}
	}
	if !found {
		return lang.SocketType{}, fmt.Errorf("%w: %q", ErrSocketNotFound, socket)
	}
	if declared.IsPolymorphic() {
		if ty, ok := n.typeVars[declared.Variable()]; ok {
			return lang.Monomorphic(ty), nil
		}
	}
	return declared, nil
}

func (n *node) isInput(socket string) bool {
	for _, in := range n.op.Inputs() {
		if in.Name == socket {
			return true
		}
	}
	return false
}

func (n *node) isOutput(socket string) bool {
	for _, out := range n.op.Outputs() {
		if out.Name == socket {
			return true
		}
	}
	return false
}

// edge connects a source node's output socket to a sink node's input
// socket. Nodes are referenced by name within the owning graph.
type edge struct {
	from       string
	fromSocket string
	to         string
	toSocket   string
}

// NodeGraph is a collection of operator nodes with typed edges. All
// mutation goes through its methods so socket types stay consistent.
type NodeGraph struct {
	name  string
	nodes map[string]*node
	order []string
	edges []edge
}

// NewNodeGraph creates an empty graph with the given name.
func NewNodeGraph(name string) *NodeGraph {
	return &NodeGraph{name: name, nodes: make(map[string]*node)}
}

// Name returns the graph name.
func (g *NodeGraph) Name() string { return g.name }

// Resource returns the graph's resource identity.
func (g *NodeGraph) Resource() lang.Resource { return lang.GraphResource(g.name) }

// Rename changes the graph name. Callers owning resources derived from
// the old name must rebuild them.
func (g *NodeGraph) Rename(name string) { g.name = name }

func (g *NodeGraph) nodeResource(name string) lang.Resource {
	return lang.NodeResource(g.name + "/" + name)
}

// nextFreeName finds an unused "base.N" node name.
func (g *NodeGraph) nextFreeName(base string) string {
	for i := 1; ; i++ {
		name := base + "." + strconv.Itoa(i)
		if _, ok := g.nodes[name]; !ok {
			return name
		}
	}
}

func baseName(op lang.Operator) string {
	if op.IsComplex() {
		return "call"
	}
	return op.Atomic().OpName()
}

// AddNode adds an operator instance and returns its resource and
// resolved output size.
func (g *NodeGraph) AddNode(op lang.Operator, parentSize int) (lang.Resource, int) {
	name := g.nextFreeName(baseName(op))
	n := newNode(op)
	g.nodes[name] = n
	g.order = append(g.order, name)
	logger().Debug("graph: node added", "graph", g.name, "node", name, "op", op.OpName())
	return g.nodeResource(name), n.size(parentSize)
}

// RemoveNode deletes a node and every edge touching it. The removed
// connections are reported so caches can drop their bindings.
func (g *NodeGraph) RemoveNode(res lang.Resource) ([]Event, error) {
	name := res.File()
	if _, ok := g.nodes[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
	}

	var events []Event
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from == name || e.to == name {
			events = append(events, SocketsDisconnected{
				From: g.nodeResource(e.from).NodeSocket(e.fromSocket),
				To:   g.nodeResource(e.to).NodeSocket(e.toSocket),
			})
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept

	delete(g.nodes, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	logger().Debug("graph: node removed", "graph", g.name, "node", name)
	return events, nil
}

// Nodes lists all node resources in insertion order.
func (g *NodeGraph) Nodes() []lang.Resource {
	nodes := make([]lang.Resource, len(g.order))
	for i, name := range g.order {
		nodes[i] = g.nodeResource(name)
	}
	return nodes
}

// Connections lists all edges in insertion order.
func (g *NodeGraph) Connections() []Connection {
	conns := make([]Connection, len(g.edges))
	for i, e := range g.edges {
		conns[i] = Connection{
			From: g.nodeResource(e.from).NodeSocket(e.fromSocket),
			To:   g.nodeResource(e.to).NodeSocket(e.toSocket),
		}
	}
	return conns
}

// Operator returns the operator of a node.
func (g *NodeGraph) Operator(res lang.Resource) (lang.Operator, error) {
	n, ok := g.nodes[res.File()]
	if !ok {
		return lang.Operator{}, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
	}
	return n.op, nil
}

// SocketType resolves a socket's current type, monomorphic if its type
// variable is bound.
func (g *NodeGraph) SocketType(socket lang.Resource) (lang.SocketType, error) {
	n, ok := g.nodes[socket.File()]
	if !ok {
		return lang.SocketType{}, fmt.Errorf("%w: %s", ErrNodeNotFound, socket)
	}
	return n.socketType(socket.Fragment())
}

// MonomorphicType returns the concrete image kind of a socket, or an
// error if the socket is still polymorphic.
func (g *NodeGraph) MonomorphicType(socket lang.Resource) (lang.ImageType, error) {
	ty, err := g.SocketType(socket)
	if err != nil {
		return 0, err
	}
	if ty.IsPolymorphic() {
		return 0, fmt.Errorf("graph: socket %s is polymorphic", socket)
	}
	return ty.Image(), nil
}

// Connect adds an edge from an output socket to an input socket,
// unifying polymorphic types as needed. An existing edge on the sink
// socket is replaced. Reports every socket whose type resolved.
func (g *NodeGraph) Connect(from, to lang.Resource) ([]Event, error) {
	fromName, toName := from.File(), to.File()
	fromNode, ok := g.nodes[fromName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	toNode, ok := g.nodes[toName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if fromName == toName {
		return nil, fmt.Errorf("%w: self connection on %s", ErrInvalidConnection, from)
	}
	if !fromNode.isOutput(from.Fragment()) || !toNode.isInput(to.Fragment()) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidConnection, from, to)
	}

	fromType, err := fromNode.socketType(from.Fragment())
	if err != nil {
		return nil, err
	}
	toType, err := toNode.socketType(to.Fragment())
	if err != nil {
		return nil, err
	}

	// An occupied sink is reconnected by replacement. When the edge
	// being replaced is the last constraint on the sink's type variable,
	// the type check runs against the unbound declaration, not the
	// binding the old edge imposed.
	replacedIdx := -1
	for i, e := range g.edges {
		if e.to == toName && e.toSocket == to.Fragment() {
			replacedIdx = i
			break
		}
	}
	if replacedIdx >= 0 {
		for _, in := range toNode.op.Inputs() {
			if in.Name != to.Fragment() || !in.Type.IsPolymorphic() {
				continue
			}
			if !g.variableConstrainedExcept(toName, in.Type.Variable(), replacedIdx) {
				toType = in.Type
			}
		}
	}

	var events []Event
	switch {
	case fromType.IsPolymorphic() && toType.IsPolymorphic():
		return nil, ErrPolyPoly
	case !fromType.IsPolymorphic() && !toType.IsPolymorphic():
		if fromType.Image() != toType.Image() {
			return nil, fmt.Errorf("%w: %s is %s, %s is %s",
				ErrTypeMismatch, from, fromType, to, toType)
		}
	case toType.IsPolymorphic():
		events = g.setTypeVariable(toName, toType.Variable(), fromType.Image())
	default:
		events = g.setTypeVariable(fromName, fromType.Variable(), toType.Image())
	}

	// Replace a previous edge on the sink socket.
	for i, e := range g.edges {
		if e.to == toName && e.toSocket == to.Fragment() {
			events = append(events, SocketsDisconnected{
				From: g.nodeResource(e.from).NodeSocket(e.fromSocket),
				To:   to,
			})
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			break
		}
	}

	g.edges = append(g.edges, edge{
		from:       fromName,
		fromSocket: from.Fragment(),
		to:         toName,
		toSocket:   to.Fragment(),
	})
	logger().Debug("graph: sockets connected", "from", from.String(), "to", to.String())
	return events, nil
}

// Disconnect removes the edge feeding a sink socket. If no other edge
// still constrains the socket's type variable, the variable unbinds and
// every sharing socket demonomorphizes.
func (g *NodeGraph) Disconnect(sink lang.Resource) ([]Event, error) {
	name := sink.File()
	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, sink)
	}

	var events []Event
	for i, e := range g.edges {
		if e.to == name && e.toSocket == sink.Fragment() {
			events = append(events, SocketsDisconnected{
				From: g.nodeResource(e.from).NodeSocket(e.fromSocket),
				To:   sink,
			})
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			break
		}
	}

	for _, in := range n.op.Inputs() {
		if in.Name != sink.Fragment() || !in.Type.IsPolymorphic() {
			continue
		}
		tvar := in.Type.Variable()
		if !g.variableConstrained(name, tvar) {
			delete(n.typeVars, tvar)
			events = append(events, SocketDemonomorphized{Socket: sink})
		}
	}
	return events, nil
}

// variableConstrained reports whether any remaining edge touches a
// socket of the node sharing the given type variable.
func (g *NodeGraph) variableConstrained(name string, tvar lang.TypeVariable) bool {
	return g.variableConstrainedExcept(name, tvar, -1)
}

// variableConstrainedExcept is variableConstrained ignoring the edge at
// the given index, for checks that run before a replacement removes it.
func (g *NodeGraph) variableConstrainedExcept(name string, tvar lang.TypeVariable, except int) bool {
	n := g.nodes[name]
	shared := make(map[string]bool)
	for _, s := range n.op.SocketsByVariable(tvar) {
		shared[s] = true
	}
	for i, e := range g.edges {
		if i == except {
			continue
		}
		if e.to == name && shared[e.toSocket] {
			return true
		}
		if e.from == name && shared[e.fromSocket] {
			return true
		}
	}
	return false
}

// setTypeVariable binds a variable and returns a monomorphization event
// per affected socket.
func (g *NodeGraph) setTypeVariable(name string, tvar lang.TypeVariable, ty lang.ImageType) []Event {
	n := g.nodes[name]
	n.typeVars[tvar] = ty
	res := g.nodeResource(name)
	var events []Event
	for _, socket := range n.op.SocketsByVariable(tvar) {
		events = append(events, SocketMonomorphized{Socket: res.NodeSocket(socket), Type: ty})
	}
	return events
}

// SetParameter changes one parameter of a node's operator.
func (g *NodeGraph) SetParameter(param lang.Resource, data []byte) error {
	n, ok := g.nodes[param.File()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, param)
	}
	return n.op.SetParameter(param.Fragment(), data)
}

// ResizeNode updates a node's sizing policy and reports its new size.
func (g *NodeGraph) ResizeNode(res lang.Resource, scale int, absolute bool, parentSize int) (Event, error) {
	n, ok := g.nodes[res.File()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
	}
	n.scale = scale
	n.absoluteSize = absolute
	return NodeResized{Node: res, Size: n.size(parentSize)}, nil
}

// NodeSize resolves a node's output size against the parent size.
func (g *NodeGraph) NodeSize(res lang.Resource, parentSize int) (int, error) {
	n, ok := g.nodes[res.File()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
	}
	return n.size(parentSize), nil
}

// ResizeAll reports the new size of every relatively sized node after a
// parent size change.
func (g *NodeGraph) ResizeAll(parentSize int) []Event {
	var events []Event
	for _, name := range g.order {
		n := g.nodes[name]
		if n.absoluteSize {
			continue
		}
		events = append(events, NodeResized{
			Node: g.nodeResource(name),
			Size: n.size(parentSize),
		})
	}
	return events
}

// BuildComplexOperator derives the callable surface of this graph from
// its Input and Output nodes: each becomes an exposed socket named after
// the node, carrying data through the node's "data" socket.
func (g *NodeGraph) BuildComplexOperator(title string) *lang.ComplexOperator {
	op := lang.NewComplexOperator(g.Resource(), title)
	for _, name := range g.order {
		n := g.nodes[name]
		switch a := n.op.Atomic().(type) {
		case *lang.Input:
			op.ExposeInput(name, lang.Monomorphic(a.InputType), g.nodeResource(name))
		case *lang.Output:
			op.ExposeOutput(name, lang.Monomorphic(a.OutputType.ImageType()), g.nodeResource(name))
		}
	}
	return op
}

// allInputsConnected reports whether every mandatory input socket of a
// node has an incoming edge.
func (g *NodeGraph) allInputsConnected(name string) bool {
	n := g.nodes[name]
	for _, in := range n.op.Inputs() {
		if in.Optional {
			continue
		}
		connected := false
		for _, e := range g.edges {
			if e.to == name && e.toSocket == in.Name {
				connected = true
				break
			}
		}
		if !connected {
			return false
		}
	}
	return true
}

// incoming lists the edges feeding a node, in insertion order.
func (g *NodeGraph) incoming(name string) []edge {
	var in []edge
	for _, e := range g.edges {
		if e.to == name {
			in = append(in, e)
		}
	}
	return in
}
