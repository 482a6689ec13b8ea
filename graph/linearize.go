// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package graph

import (
	"math"
	"sort"

	"github.com/gogpu/texgraph/lang"
)

// LinearizationMode selects how often the linearizer revisits shared
// nodes.
type LinearizationMode uint8

const (
	// TopoSort emits each node's operator exactly once; further uses of
	// its outputs wire through Move instructions. This is the default.
	TopoSort LinearizationMode = iota

	// FullTraversal re-emits a node's operator on every incoming path.
	// Needed when the output cache may have evicted an intermediate
	// between its uses, forcing recomputation on low-memory devices.
	FullTraversal
)

// programBuilder accumulates instructions and use windows during
// linearization. The step counter advances once per emitted operator
// execution; use windows are measured in these steps.
type programBuilder struct {
	instructions []lang.Instruction
	usePoints    map[lang.Resource]lang.UsePoint
	step         int
}

func newProgramBuilder() *programBuilder {
	return &programBuilder{usePoints: make(map[lang.Resource]lang.UsePoint)}
}

func (b *programBuilder) emit(i lang.Instruction) {
	b.instructions = append(b.instructions, i)
}

// visited reports whether the node already has an entry, either from a
// prior visit or from a use recorded before its producer was reached.
func (b *programBuilder) visited(node lang.Resource) bool {
	up, ok := b.usePoints[node]
	return ok && up.Creation > 0
}

// beginVisit advances the step counter and records the node's creation
// step. A later visit of the same node (full traversal) moves creation
// forward while keeping the recorded last use.
func (b *programBuilder) beginVisit(node lang.Resource) {
	b.step++
	if up, ok := b.usePoints[node]; ok {
		up.Creation = b.step
		b.usePoints[node] = up
	} else {
		b.usePoints[node] = lang.UsePoint{Creation: b.step, Last: math.MaxInt}
	}
}

// use marks the node's outputs as consumed at the current step.
func (b *programBuilder) use(node lang.Resource) {
	if up, ok := b.usePoints[node]; ok {
		up.Last = b.step
		b.usePoints[node] = up
	} else {
		b.usePoints[node] = lang.UsePoint{Creation: 0, Last: b.step}
	}
}

// build flattens the accumulated state into an immutable program. Use
// windows are sorted by node for deterministic output.
func (b *programBuilder) build(forced []lang.Resource) *lang.Program {
	uses := make([]lang.NodeUse, 0, len(b.usePoints))
	for node, up := range b.usePoints {
		uses = append(uses, lang.NodeUse{Node: node, Use: up})
	}
	sort.Slice(uses, func(i, j int) bool {
		return uses[i].Node.String() < uses[j].Node.String()
	})
	return lang.NewProgram(b.instructions, uses, forced)
}

type actionKind uint8

const (
	actionTraverse actionKind = iota
	actionVisit
	actionUse
)

// action is one entry of the explicit depth-first stack. Traverse
// expands a node's inputs, Visit emits its instructions, Use records a
// consumption of a node's outputs.
type action struct {
	kind actionKind
	node string

	// via is set when the node was reached over an edge: after the
	// visit, a Move rebinds the edge's sink to the produced output.
	via    bool
	viaSrc string // output socket on node
	viaDst string // sink node
	viaSkt string // input socket on sink node

	used string // consumed node, for actionUse
}

// Linearize compiles the graph into an ordered program, walking
// depth-first from every connected Output node. Returns nil if any
// node is missing a mandatory input; callers must not interpret an
// absent program.
func (g *NodeGraph) Linearize(mode LinearizationMode) *lang.Program {
	var stack []action
	for _, name := range g.order {
		n := g.nodes[name]
		if _, ok := n.op.Atomic().(*lang.Output); !ok {
			continue
		}
		if len(g.incoming(name)) == 0 {
			continue
		}
		stack = append(stack, action{kind: actionTraverse, node: name})
	}

	b := newProgramBuilder()

	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch a.kind {
		case actionTraverse:
			if !g.allInputsConnected(a.node) {
				logger().Debug("graph: linearization aborted, missing inputs",
					"graph", g.name, "node", a.node)
				return nil
			}
			visit := a
			visit.kind = actionVisit
			stack = append(stack, visit)
			in := g.incoming(a.node)
			for _, e := range in {
				stack = append(stack, action{kind: actionUse, used: e.from})
			}
			// Traverse actions go on top so producers are visited
			// before their uses are recorded.
			for _, e := range in {
				stack = append(stack, action{
					kind:   actionTraverse,
					node:   e.from,
					via:    true,
					viaSrc: e.fromSocket,
					viaDst: e.to,
					viaSkt: e.toSocket,
				})
			}

		case actionVisit:
			res := g.nodeResource(a.node)
			n := g.nodes[a.node]

			if !b.visited(res) || mode == FullTraversal {
				b.beginVisit(res)
				if c := n.op.Complex(); c != nil {
					for _, s := range c.ComplexInputs() {
						b.emit(lang.Copy(res.NodeSocket(s.Name), s.Internal.NodeSocket("data")))
					}
					b.emit(lang.Call(res, c))
					for _, s := range c.ComplexOutputs() {
						b.emit(lang.Copy(s.Internal.NodeSocket("data"), res.NodeSocket(s.Name)))
					}
				} else {
					b.emit(lang.Execute(res, n.op.Atomic()))
				}
				if outs := n.op.Outputs(); len(outs) > 0 {
					b.emit(lang.Thumbnail(res.NodeSocket(outs[0].Name)))
				}
			}

			if a.via {
				b.emit(lang.Move(
					res.NodeSocket(a.viaSrc),
					g.nodeResource(a.viaDst).NodeSocket(a.viaSkt),
				))
			}

		case actionUse:
			b.use(g.nodeResource(a.used))
		}
	}

	return b.build(nil)
}
