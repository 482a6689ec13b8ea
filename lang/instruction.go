// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

import "fmt"

// InstructionKind discriminates the instruction variant.
type InstructionKind uint8

const (
	// InstructionMove rebinds a sink socket to an already computed
	// output. No pixel data moves.
	InstructionMove InstructionKind = iota

	// InstructionExecute runs one atomic operator.
	InstructionExecute

	// InstructionCall invokes a complex operator's subgraph.
	InstructionCall

	// InstructionCopy duplicates pixel data between sockets.
	InstructionCopy

	// InstructionThumbnail refreshes a node's preview if stale.
	InstructionThumbnail
)

// Instruction is one step of a compiled program. The populated fields
// depend on Kind; constructors keep the variants well formed.
type Instruction struct {
	Kind InstructionKind

	// From and To are socket resources for Move and Copy.
	From, To Resource

	// Node is the executing node for Execute and Call.
	Node Resource

	// Atomic is the operator run by Execute.
	Atomic AtomicOperator

	// Call is the complex operator invoked by Call.
	Call *ComplexOperator

	// Socket is the output socket refreshed by Thumbnail.
	Socket Resource
}

// Move rebinds the sink socket to the given output socket.
func Move(from, to Resource) Instruction {
	return Instruction{Kind: InstructionMove, From: from, To: to}
}

// Execute runs op for the given node.
func Execute(node Resource, op AtomicOperator) Instruction {
	return Instruction{Kind: InstructionExecute, Node: node, Atomic: op}
}

// Call invokes op's subgraph for the given node.
func Call(node Resource, op *ComplexOperator) Instruction {
	return Instruction{Kind: InstructionCall, Node: node, Call: op}
}

// Copy duplicates pixel data from one socket's image to another's.
func Copy(from, to Resource) Instruction {
	return Instruction{Kind: InstructionCopy, From: from, To: to}
}

// Thumbnail refreshes the preview fed by the given output socket.
func Thumbnail(socket Resource) Instruction {
	return Instruction{Kind: InstructionThumbnail, Socket: socket}
}

// IsExecutionStep reports whether the instruction advances a frame's
// step counter. Use windows are measured in execution steps, so only
// Execute and Call count.
func (i Instruction) IsExecutionStep() bool {
	return i.Kind == InstructionExecute || i.Kind == InstructionCall
}

// CallSkippable reports whether the instruction is dropped when the
// program runs as a called subgraph rather than as the root frame.
// Inner thumbnails are presentation-only and skipped inside calls.
func (i Instruction) CallSkippable() bool {
	return i.Kind == InstructionThumbnail
}

// String renders the instruction for diagnostics.
func (i Instruction) String() string {
	switch i.Kind {
	case InstructionMove:
		return fmt.Sprintf("move %s -> %s", i.From, i.To)
	case InstructionExecute:
		return fmt.Sprintf("execute %s %s", i.Node, i.Atomic.OpName())
	case InstructionCall:
		return fmt.Sprintf("call %s %s", i.Node, i.Call.Graph)
	case InstructionCopy:
		return fmt.Sprintf("copy %s -> %s", i.From, i.To)
	case InstructionThumbnail:
		return fmt.Sprintf("thumbnail %s", i.Socket)
	default:
		return fmt.Sprintf("instruction(%d)", i.Kind)
	}
}
