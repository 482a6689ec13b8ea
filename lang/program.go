// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

import "iter"

// UsePoint is the use window of one node's outputs within a program:
// the execution step producing them and the last step consuming them.
// Backing images must stay allocated for every step inside the window.
type UsePoint struct {
	Creation int
	Last     int
}

// NodeUse pairs a node with its use window.
type NodeUse struct {
	Node Resource
	Use  UsePoint
}

// Program is a compiled, immutable instruction sequence for one graph,
// shared read-only across every frame invoking that graph. It is a
// transient artifact: any structural edit rebuilds it wholesale.
type Program struct {
	instructions []Instruction
	usePoints    []NodeUse
	forced       []Resource
}

// NewProgram assembles a program from the linearizer's output.
func NewProgram(instructions []Instruction, usePoints []NodeUse, forced []Resource) *Program {
	return &Program{instructions: instructions, usePoints: usePoints, forced: forced}
}

// Instructions returns the instruction sequence. Callers must not
// modify the returned slice.
func (p *Program) Instructions() []Instruction { return p.instructions }

// UsePoints returns the use window table. Callers must not modify the
// returned slice.
func (p *Program) UsePoints() []NodeUse { return p.usePoints }

// Forced lists nodes whose cache entries must recompute on the next
// interpretation of this program.
func (p *Program) Forced() []Resource { return p.forced }

// Empty reports whether the program contains no instructions.
func (p *Program) Empty() bool { return p == nil || len(p.instructions) == 0 }

// RetentionAt yields every node whose use window covers the given
// execution step. Their backing images may not be reclaimed while a
// frame of this program sits at that step.
func (p *Program) RetentionAt(step int) iter.Seq[Resource] {
	return func(yield func(Resource) bool) {
		for _, nu := range p.usePoints {
			if nu.Use.Creation <= step && nu.Use.Last >= step {
				if !yield(nu.Node) {
					return
				}
			}
		}
	}
}
