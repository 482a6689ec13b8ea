package graph

import (
	"testing"

	"github.com/gogpu/texgraph/lang"
)

func executesOf(p *lang.Program) []lang.Instruction {
	var ex []lang.Instruction
	for _, ins := range p.Instructions() {
		if ins.Kind == lang.InstructionExecute {
			ex = append(ex, ins)
		}
	}
	return ex
}

func TestLayerStackTwoWriters(t *testing.T) {
	s := NewLayerStack("stack")
	l1, err := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	if err != nil {
		t.Fatalf("push fill: %v", err)
	}
	l2, err := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "tint")
	if err != nil {
		t.Fatalf("push fill: %v", err)
	}
	if err := s.SetOutput(l1, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatalf("set output: %v", err)
	}
	if err := s.SetOutput(l2, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatalf("set output: %v", err)
	}

	p := s.Linearize()
	ex := executesOf(p)

	// Layer 1, layer 2, one synthesized blend, one virtual output.
	if len(ex) != 4 {
		t.Fatalf("execute count = %d, want 4: %v", len(ex), ex)
	}
	if ex[0].Node != l1 || ex[1].Node != l2 {
		t.Errorf("layer order = %s, %s", ex[0].Node, ex[1].Node)
	}
	blendRes := ex[2].Node
	blend, ok := ex[2].Atomic.(*lang.Blend)
	if !ok {
		t.Fatalf("third execute is %T, want Blend", ex[2].Atomic)
	}
	if blend.Mix != 1 || !blend.ClampOutput {
		t.Errorf("synthesized blend = %+v, want full opacity clamped", blend)
	}
	if _, ok := ex[3].Atomic.(*lang.Output); !ok {
		t.Fatalf("fourth execute is %T, want Output", ex[3].Atomic)
	}

	// The blend reads both layers via moves.
	var bg, fg lang.Resource
	for _, ins := range p.Instructions() {
		if ins.Kind != lang.InstructionMove {
			continue
		}
		switch ins.To {
		case blendRes.NodeSocket("background"):
			bg = ins.From
		case blendRes.NodeSocket("foreground"):
			fg = ins.From
		}
	}
	if bg != l1.NodeSocket("color") {
		t.Errorf("blend background = %s, want layer 1 color", bg)
	}
	if fg != l2.NodeSocket("color") {
		t.Errorf("blend foreground = %s, want layer 2 color", fg)
	}
}

func TestLayerStackSingleWriterNoBlend(t *testing.T) {
	s := NewLayerStack("stack")
	l1, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	l2, _ := s.PushFill(lang.AtomicOp(lang.DefaultGrayscale()), "rough")
	if err := s.SetOutput(l1, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(l2, lang.OutputTypeRoughness, "value"); err != nil {
		t.Fatal(err)
	}

	p := s.Linearize()
	for _, ins := range executesOf(p) {
		if _, ok := ins.Atomic.(*lang.Blend); ok {
			t.Errorf("single-writer channels must not synthesize blends: %v", ins)
		}
	}

	// Both channels still close with a virtual output.
	outputs := 0
	for _, ins := range executesOf(p) {
		if _, ok := ins.Atomic.(*lang.Output); ok {
			outputs++
		}
	}
	if outputs != 2 {
		t.Errorf("virtual output count = %d, want 2", outputs)
	}
}

func TestLayerStackSkipsDisabledAndChannelless(t *testing.T) {
	s := NewLayerStack("stack")
	l1, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	l2, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "off")
	_, _ = s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "orphan")
	if err := s.SetOutput(l1, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(l2, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(l2, false); err != nil {
		t.Fatal(err)
	}
	// The orphan layer maps no channel at all.

	p := s.Linearize()
	ex := executesOf(p)
	if len(ex) != 2 {
		t.Fatalf("execute count = %d, want layer 1 and output only: %v", len(ex), ex)
	}
	if ex[0].Node != l1 {
		t.Errorf("first execute = %s, want enabled layer", ex[0].Node)
	}
}

func TestLayerStackFxReadsFront(t *testing.T) {
	s := NewLayerStack("stack")
	l1, _ := s.PushFill(lang.AtomicOp(lang.DefaultGrayscale()), "height")
	if err := s.SetOutput(l1, lang.OutputTypeDisplacement, "value"); err != nil {
		t.Fatal(err)
	}
	fx, err := s.PushFx(lang.AtomicOp(lang.DefaultNormalMap()), "normals")
	if err != nil {
		t.Fatalf("push fx: %v", err)
	}
	if err := s.SetInput(fx, "height", lang.OutputTypeDisplacement); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(fx, lang.OutputTypeNormal, "normal"); err != nil {
		t.Fatal(err)
	}

	p := s.Linearize()

	// The FX input is rebound to the displacement front image.
	moved := false
	for _, ins := range p.Instructions() {
		if ins.Kind == lang.InstructionMove && ins.To == fx.NodeSocket("height") {
			if ins.From != l1.NodeSocket("value") {
				t.Errorf("fx input from %s, want fill layer value", ins.From)
			}
			moved = true
		}
	}
	if !moved {
		t.Error("fx layer input was never bound")
	}

	// Normal has one writer, displacement one writer: no blends.
	for _, ins := range executesOf(p) {
		if _, ok := ins.Atomic.(*lang.Blend); ok {
			t.Errorf("unexpected blend: %v", ins)
		}
	}
}

func TestLayerStackMaskFeedsBlend(t *testing.T) {
	s := NewLayerStack("stack")
	l1, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	l2, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "tint")
	if err := s.SetOutput(l1, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(l2, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	mask, err := s.PushMask(l2, lang.AtomicOp(lang.DefaultChecker()), "checker")
	if err != nil {
		t.Fatalf("push mask: %v", err)
	}

	p := s.Linearize()

	maskExecuted := false
	maskBound := false
	for _, ins := range p.Instructions() {
		if ins.Kind == lang.InstructionExecute && ins.Node == mask {
			maskExecuted = true
		}
		if ins.Kind == lang.InstructionMove && ins.From == mask.NodeSocket("pattern") &&
			ins.To.Fragment() == "mask" {
			maskBound = true
		}
	}
	if !maskExecuted {
		t.Error("mask operator never executed")
	}
	if !maskBound {
		t.Error("mask output never bound to the layer blend")
	}
}

func TestLayerStackBaseMaskNeedsInput(t *testing.T) {
	s := NewLayerStack("stack")
	l, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	if err := s.SetOutput(l, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	noise, err := s.PushMask(l, lang.AtomicOp(lang.DefaultPerlinNoise()), "noise")
	if err != nil {
		t.Fatalf("push noise mask: %v", err)
	}
	ramp, err := s.PushMask(l, lang.AtomicOp(lang.DefaultRamp()), "ramp")
	if err != nil {
		t.Fatalf("push ramp mask: %v", err)
	}

	// With the generator beneath it enabled, the ramp reads its output.
	p := s.Linearize()
	if p == nil {
		t.Fatal("linearize returned nil for a valid mask stack")
	}
	rampFed := false
	for _, ins := range p.Instructions() {
		if ins.Kind == lang.InstructionMove && ins.From == noise.NodeSocket("noise") &&
			ins.To == ramp.NodeSocket("factor") {
			rampFed = true
		}
	}
	if !rampFed {
		t.Error("ramp mask not fed by the mask beneath it")
	}

	// Disabling the generator leaves the ramp at the stack base with a
	// mandatory input and nothing to feed it.
	if err := s.SetEnabled(noise, false); err != nil {
		t.Fatal(err)
	}
	if p := s.Linearize(); p != nil {
		t.Error("linearize accepted a base mask with a mandatory input")
	}
}

func TestLayerStackForcePoints(t *testing.T) {
	s := NewLayerStack("stack")
	l1, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "base")
	l2, _ := s.PushFill(lang.AtomicOp(lang.DefaultRGB()), "tint")
	if err := s.SetOutput(l1, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(l2, lang.OutputTypeAlbedo, "color"); err != nil {
		t.Fatal(err)
	}

	// Toggling a layer forces the successor to recomposite.
	if err := s.SetEnabled(l1, false); err != nil {
		t.Fatal(err)
	}
	p := s.Linearize()
	if len(p.Forced()) != 1 || p.Forced()[0] != l2 {
		t.Errorf("forced = %v, want successor layer", p.Forced())
	}

	s.ClearForcePoints()
	p = s.Linearize()
	if len(p.Forced()) != 0 {
		t.Errorf("forced not cleared: %v", p.Forced())
	}
}
