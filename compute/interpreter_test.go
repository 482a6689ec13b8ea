package compute

import (
	"errors"
	"testing"

	"github.com/gogpu/texgraph/graph"
	"github.com/gogpu/texgraph/lang"
)

func testRig(t *testing.T, budget int) (*fakeDevice, *Registry, *ShaderLibrary, *ExternalStore) {
	t.Helper()
	dev := newFakeDevice(budget)
	return dev, NewRegistry(dev), DefaultLibrary(), NewExternalStore(t.TempDir())
}

// chainGraph wires checker -> blend.background, gray -> blend.foreground,
// blend.color -> output.data.
func chainGraph(t *testing.T) *graph.NodeGraph {
	t.Helper()
	g := graph.NewNodeGraph("base")
	checker, _ := g.AddNode(lang.AtomicOp(lang.DefaultChecker()), 64)
	gray, _ := g.AddNode(lang.AtomicOp(lang.DefaultGrayscale()), 64)
	blend, _ := g.AddNode(lang.AtomicOp(lang.DefaultBlend()), 64)
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 64)

	for _, c := range []struct{ from, to lang.Resource }{
		{checker.NodeSocket("pattern"), blend.NodeSocket("background")},
		{gray.NodeSocket("value"), blend.NodeSocket("foreground")},
		{blend.NodeSocket("color"), out.NodeSocket("data")},
	} {
		if _, err := g.Connect(c.from, c.to); err != nil {
			t.Fatalf("connect %s -> %s: %v", c.from, c.to, err)
		}
	}
	return g
}

func runOnce(t *testing.T, dev *fakeDevice, reg *Registry, lib *ShaderLibrary, ext *ExternalStore, cfg Config) []Event {
	t.Helper()
	it, err := NewInterpreter(dev, reg, lib, ext, cfg)
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	events, err := it.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return events
}

func outputReady(events []Event) *OutputReady {
	for _, e := range events {
		if or, ok := e.(OutputReady); ok {
			return &or
		}
	}
	return nil
}

func TestInterpreterRunsChain(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	g := chainGraph(t)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): g.Linearize(graph.TopoSort)},
		Root:     g.Resource(),
		RootSize: 64,
	}

	events := runOnce(t, dev, reg, lib, ext, cfg)

	want := []string{"grayscale", "checker", "blend_gray"}
	if len(dev.dispatches) != len(want) {
		t.Fatalf("dispatches = %v, want %v", dev.dispatches, want)
	}
	for i, name := range want {
		if dev.dispatches[i] != name {
			t.Errorf("dispatch %d = %s, want %s", i, dev.dispatches[i], name)
		}
	}
	or := outputReady(events)
	if or == nil {
		t.Fatal("no OutputReady event")
	}
	if or.OutputType != lang.OutputTypeValue || or.Size != 64 {
		t.Errorf("OutputReady = %+v", or)
	}
}

func TestInterpreterIdempotentSkip(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	g := chainGraph(t)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): g.Linearize(graph.TopoSort)},
		Root:     g.Resource(),
		RootSize: 64,
	}

	runOnce(t, dev, reg, lib, ext, cfg)
	before := len(dev.dispatches)
	thumbs := dev.thumbGens

	// A second interpretation over the unchanged graph does nothing.
	events := runOnce(t, dev, reg, lib, ext, cfg)
	if len(dev.dispatches) != before {
		t.Errorf("clean re-run dispatched %v", dev.dispatches[before:])
	}
	if dev.thumbGens != thumbs {
		t.Errorf("clean re-run regenerated %d thumbnails", dev.thumbGens-thumbs)
	}
	if len(events) != 0 {
		t.Errorf("clean re-run produced events: %v", events)
	}
}

func TestInterpreterParameterChangeRecomputes(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	g := chainGraph(t)
	program := func() *lang.Program { return g.Linearize(graph.TopoSort) }
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): program()},
		Root:     g.Resource(),
		RootSize: 64,
	}
	runOnce(t, dev, reg, lib, ext, cfg)
	before := len(dev.dispatches)

	if err := g.SetParameter(lang.NodeResource("base/grayscale.1").NodeParameter("value"), lang.PackF32(0.9)); err != nil {
		t.Fatalf("set parameter: %v", err)
	}
	cfg.Programs[g.Resource()] = program()
	events := runOnce(t, dev, reg, lib, ext, cfg)

	// The source re-executes and staleness propagates downstream; the
	// untouched checker stays cached.
	got := dev.dispatches[before:]
	want := []string{"grayscale", "blend_gray"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("dispatches after edit = %v, want %v", got, want)
	}
	if outputReady(events) == nil {
		t.Error("no OutputReady after parameter change")
	}
}

func callGraphs(t *testing.T) (*graph.NodeGraph, *graph.NodeGraph, lang.Resource) {
	t.Helper()
	inner := graph.NewNodeGraph("inner")
	innerIn, _ := inner.AddNode(lang.AtomicOp(&lang.Input{InputType: lang.ImageTypeGrayscale}), 64)
	innerOut, _ := inner.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 64)
	if _, err := inner.Connect(innerIn.NodeSocket("data"), innerOut.NodeSocket("data")); err != nil {
		t.Fatalf("inner connect: %v", err)
	}
	op := inner.BuildComplexOperator("Inner")

	outer := graph.NewNodeGraph("outer")
	checker, _ := outer.AddNode(lang.AtomicOp(lang.DefaultChecker()), 64)
	call, _ := outer.AddNode(lang.ComplexOp(op), 64)
	out, _ := outer.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 64)

	inSocket := op.ComplexInputs()[0].Name
	outSocket := op.ComplexOutputs()[0].Name
	if _, err := outer.Connect(checker.NodeSocket("pattern"), call.NodeSocket(inSocket)); err != nil {
		t.Fatalf("connect in: %v", err)
	}
	if _, err := outer.Connect(call.NodeSocket(outSocket), out.NodeSocket("data")); err != nil {
		t.Fatalf("connect out: %v", err)
	}
	return outer, inner, call.NodeSocket(outSocket)
}

func TestInterpreterStalenessThroughSkippedCall(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	outer, inner, callOut := callGraphs(t)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{
			outer.Resource(): outer.Linearize(graph.TopoSort),
			inner.Resource(): inner.Linearize(graph.TopoSort),
		},
		Root:     outer.Resource(),
		RootSize: 64,
	}

	runOnce(t, dev, reg, lib, ext, cfg)
	firstStamp := reg.OutputUpdated(callOut)
	if firstStamp == 0 {
		t.Fatal("call output never stamped")
	}
	copies := dev.copies

	// The clean re-run skips the call but restamps its outputs with the
	// inner write sequence, not the advancing global one.
	runOnce(t, dev, reg, lib, ext, cfg)
	if dev.copies != copies {
		t.Errorf("skipped call still copied %d times", dev.copies-copies)
	}
	restamp := reg.OutputUpdated(callOut)
	if restamp >= firstStamp {
		t.Errorf("skipped call stamp = %d, want below first run stamp %d", restamp, firstStamp)
	}
	if restamp != reg.InputUpdated(lang.NodeResource("inner/output.1").NodeSocket("data")) {
		t.Errorf("skipped call stamp = %d, want inner write stamp", restamp)
	}
}

func TestInterpreterRejectsRecursion(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	root := lang.GraphResource("loop")
	op := lang.NewComplexOperator(root, "Loop")
	program := lang.NewProgram([]lang.Instruction{
		lang.Call(lang.NodeResource("loop/call"), op),
	}, nil, nil)

	it, err := NewInterpreter(dev, reg, lib, ext, Config{
		Programs: map[lang.Resource]*lang.Program{root: program},
		Root:     root,
		RootSize: 64,
	})
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	_, err = it.Run()
	if !errors.Is(err, ErrRecursion) {
		t.Errorf("err = %v, want ErrRecursion", err)
	}
}

func TestInterpreterStackLimit(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	outer, inner, _ := callGraphs(t)
	it, err := NewInterpreter(dev, reg, lib, ext, Config{
		Programs: map[lang.Resource]*lang.Program{
			outer.Resource(): outer.Linearize(graph.TopoSort),
			inner.Resource(): inner.Linearize(graph.TopoSort),
		},
		Root:       outer.Resource(),
		RootSize:   64,
		StackLimit: 1,
	})
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	_, err = it.Run()
	if !errors.Is(err, ErrStackLimit) {
		t.Errorf("err = %v, want ErrStackLimit", err)
	}
}

// blendChain builds gray feeding a chain of self-blends ending in an
// output node.
func blendChain(t *testing.T, links int) *graph.NodeGraph {
	t.Helper()
	g := graph.NewNodeGraph("chain")
	prev, _ := g.AddNode(lang.AtomicOp(lang.DefaultGrayscale()), 64)
	prevSocket := prev.NodeSocket("value")
	for n := 0; n < links; n++ {
		blend, _ := g.AddNode(lang.AtomicOp(lang.DefaultBlend()), 64)
		if _, err := g.Connect(prevSocket, blend.NodeSocket("background")); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if _, err := g.Connect(prevSocket, blend.NodeSocket("foreground")); err != nil {
			t.Fatalf("connect: %v", err)
		}
		prevSocket = blend.NodeSocket("color")
	}
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeValue}), 64)
	if _, err := g.Connect(prevSocket, out.NodeSocket("data")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return g
}

func TestInterpreterReclaimsAndRetries(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	g := blendChain(t, 8)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): g.Linearize(graph.TopoSort)},
		Root:     g.Resource(),
		RootSize: 64,
	}
	runOnce(t, dev, reg, lib, ext, cfg)
	before := len(dev.dispatches)

	// Drop every cached image so the re-run must reallocate, then fail
	// one allocation mid-run. The interpreter reclaims, retries the
	// instruction once, and completes.
	reg.FreeUnretained(map[lang.Resource]bool{})
	dev.failOnce = true
	events := runOnce(t, dev, reg, lib, ext, cfg)
	if len(dev.dispatches) == before {
		t.Fatal("forced re-run did not dispatch")
	}
	if outputReady(events) == nil {
		t.Error("no OutputReady after recovery")
	}
}

func TestInterpreterHardOOM(t *testing.T) {
	dev, reg, lib, ext := testRig(t, 0)
	g := blendChain(t, 8)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): g.Linearize(graph.TopoSort)},
		Root:     g.Resource(),
		RootSize: 64,
	}
	dev.alwaysOOM = true
	it, err := NewInterpreter(dev, reg, lib, ext, cfg)
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}

	failures := 0
	for {
		_, done, err := it.Next()
		if err != nil {
			if !errors.Is(err, ErrHardOOM) {
				t.Fatalf("err = %v, want ErrHardOOM", err)
			}
			failures++
			break
		}
		if done {
			break
		}
	}
	if failures != 1 {
		t.Errorf("hard OOM failures = %d, want exactly 1", failures)
	}
}

func TestInterpreterBudgetEviction(t *testing.T) {
	// Budget of three 64x64 grayscale images: the ten node chain must
	// evict closed-window intermediates to finish.
	dev, reg, lib, ext := testRig(t, 3*64*64*4)
	g := blendChain(t, 8)
	cfg := Config{
		Programs: map[lang.Resource]*lang.Program{g.Resource(): g.Linearize(graph.TopoSort)},
		Root:     g.Resource(),
		RootSize: 64,
	}
	events := runOnce(t, dev, reg, lib, ext, cfg)
	if outputReady(events) == nil {
		t.Error("no OutputReady under budget pressure")
	}
	if dev.used > dev.budget {
		t.Errorf("used %d bytes over budget %d", dev.used, dev.budget)
	}
}
