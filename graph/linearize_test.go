package graph

import (
	"math"
	"testing"

	"github.com/gogpu/texgraph/lang"
)

// buildChain wires gray -> blend.foreground, checker -> blend.background,
// blend.color -> output.data.
func buildChain(t *testing.T) (*NodeGraph, [4]lang.Resource) {
	t.Helper()
	g := NewNodeGraph("base")
	checker, _ := g.AddNode(lang.AtomicOp(lang.DefaultChecker()), 1024)
	gray, _ := g.AddNode(lang.AtomicOp(lang.DefaultGrayscale()), 1024)
	blend, _ := g.AddNode(lang.AtomicOp(lang.DefaultBlend()), 1024)
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 1024)

	for _, c := range []struct{ from, to lang.Resource }{
		{checker.NodeSocket("pattern"), blend.NodeSocket("background")},
		{gray.NodeSocket("value"), blend.NodeSocket("foreground")},
		{blend.NodeSocket("color"), out.NodeSocket("data")},
	} {
		if _, err := g.Connect(c.from, c.to); err != nil {
			t.Fatalf("connect %s -> %s: %v", c.from, c.to, err)
		}
	}
	return g, [4]lang.Resource{checker, gray, blend, out}
}

func instructionKinds(p *lang.Program) []lang.InstructionKind {
	kinds := make([]lang.InstructionKind, len(p.Instructions()))
	for i, ins := range p.Instructions() {
		kinds[i] = ins.Kind
	}
	return kinds
}

func usePoint(t *testing.T, p *lang.Program, node lang.Resource) lang.UsePoint {
	t.Helper()
	for _, nu := range p.UsePoints() {
		if nu.Node == node {
			return nu.Use
		}
	}
	t.Fatalf("no use point for %s", node)
	return lang.UsePoint{}
}

func TestLinearizeChain(t *testing.T) {
	g, nodes := buildChain(t)
	checker, gray, blend, out := nodes[0], nodes[1], nodes[2], nodes[3]

	p := g.Linearize(TopoSort)
	if p == nil {
		t.Fatal("linearization failed")
	}

	want := []lang.InstructionKind{
		lang.InstructionExecute, lang.InstructionThumbnail, lang.InstructionMove,
		lang.InstructionExecute, lang.InstructionThumbnail, lang.InstructionMove,
		lang.InstructionExecute, lang.InstructionThumbnail, lang.InstructionMove,
		lang.InstructionExecute,
	}
	got := instructionKinds(p)
	if len(got) != len(want) {
		t.Fatalf("instruction count = %d, want %d\n%v", len(got), len(want), p.Instructions())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("instruction %d = %v, want %v", i, p.Instructions()[i], want[i])
		}
	}

	// Producers execute before their consumers.
	ins := p.Instructions()
	if ins[6].Node != blend {
		t.Errorf("third execute = %s, want blend", ins[6].Node)
	}
	if ins[9].Node != out {
		t.Errorf("final execute = %s, want output", ins[9].Node)
	}

	// Sources live until the step before the blend executes.
	blendUp := usePoint(t, p, blend)
	for _, src := range []lang.Resource{checker, gray} {
		up := usePoint(t, p, src)
		if up.Last != blendUp.Creation-1 {
			t.Errorf("%s last use = %d, want %d", src, up.Last, blendUp.Creation-1)
		}
	}
	outUp := usePoint(t, p, out)
	if outUp.Last != math.MaxInt {
		t.Errorf("output last use = %d, want open window", outUp.Last)
	}
}

func TestLinearizeMissingInputAborts(t *testing.T) {
	g := NewNodeGraph("base")
	blend, _ := g.AddNode(lang.AtomicOp(lang.DefaultBlend()), 1024)
	checker, _ := g.AddNode(lang.AtomicOp(lang.DefaultChecker()), 1024)
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 1024)

	if _, err := g.Connect(checker.NodeSocket("pattern"), blend.NodeSocket("background")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := g.Connect(blend.NodeSocket("color"), out.NodeSocket("data")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Foreground is mandatory and unconnected.
	if p := g.Linearize(TopoSort); p != nil {
		t.Error("expected nil program for missing mandatory input")
	}
}

func TestLinearizeFanOut(t *testing.T) {
	g := NewNodeGraph("base")
	checker, _ := g.AddNode(lang.AtomicOp(lang.DefaultChecker()), 1024)
	out1, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 1024)
	out2, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeRoughness}), 1024)
	if _, err := g.Connect(checker.NodeSocket("pattern"), out1.NodeSocket("data")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := g.Connect(checker.NodeSocket("pattern"), out2.NodeSocket("data")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	countExecutes := func(p *lang.Program, node lang.Resource) int {
		n := 0
		for _, ins := range p.Instructions() {
			if ins.Kind == lang.InstructionExecute && ins.Node == node {
				n++
			}
		}
		return n
	}

	p := g.Linearize(TopoSort)
	if p == nil {
		t.Fatal("linearization failed")
	}
	if n := countExecutes(p, checker); n != 1 {
		t.Errorf("toposort executes shared node %d times, want 1", n)
	}

	p = g.Linearize(FullTraversal)
	if p == nil {
		t.Fatal("linearization failed")
	}
	if n := countExecutes(p, checker); n != 2 {
		t.Errorf("full traversal executes shared node %d times, want 2", n)
	}
}

func TestLinearizeComplexCall(t *testing.T) {
	inner := NewNodeGraph("material")
	innerIn, _ := inner.AddNode(lang.AtomicOp(&lang.Input{InputType: lang.ImageTypeGrayscale}), 1024)
	innerOut, _ := inner.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 1024)
	if _, err := inner.Connect(innerIn.NodeSocket("data"), innerOut.NodeSocket("data")); err != nil {
		t.Fatalf("inner connect: %v", err)
	}
	complexOp := inner.BuildComplexOperator("Material")

	g := NewNodeGraph("base")
	checker, _ := g.AddNode(lang.AtomicOp(lang.DefaultChecker()), 1024)
	call, _ := g.AddNode(lang.ComplexOp(complexOp), 1024)
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 1024)

	inSocket := complexOp.ComplexInputs()[0].Name
	outSocket := complexOp.ComplexOutputs()[0].Name
	if _, err := g.Connect(checker.NodeSocket("pattern"), call.NodeSocket(inSocket)); err != nil {
		t.Fatalf("connect in: %v", err)
	}
	if _, err := g.Connect(call.NodeSocket(outSocket), out.NodeSocket("data")); err != nil {
		t.Fatalf("connect out: %v", err)
	}

	p := g.Linearize(TopoSort)
	if p == nil {
		t.Fatal("linearization failed")
	}

	// The call wraps in copies: inputs in, call, outputs back.
	var seq []lang.Instruction
	for _, ins := range p.Instructions() {
		switch ins.Kind {
		case lang.InstructionCopy, lang.InstructionCall:
			seq = append(seq, ins)
		}
	}
	if len(seq) != 3 {
		t.Fatalf("copy/call count = %d, want 3: %v", len(seq), seq)
	}
	if seq[0].Kind != lang.InstructionCopy || seq[0].From != call.NodeSocket(inSocket) || seq[0].To != innerIn.NodeSocket("data") {
		t.Errorf("input copy = %v", seq[0])
	}
	if seq[1].Kind != lang.InstructionCall || seq[1].Node != call {
		t.Errorf("call = %v", seq[1])
	}
	if seq[2].Kind != lang.InstructionCopy || seq[2].From != innerOut.NodeSocket("data") || seq[2].To != call.NodeSocket(outSocket) {
		t.Errorf("output copy = %v", seq[2])
	}
}

func TestLinearizeEmptyGraph(t *testing.T) {
	g := NewNodeGraph("base")
	p := g.Linearize(TopoSort)
	if p == nil {
		t.Fatal("empty graph should linearize to an empty program")
	}
	if !p.Empty() {
		t.Errorf("program not empty: %v", p.Instructions())
	}
}
