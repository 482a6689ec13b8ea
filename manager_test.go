package texgraph

import (
	"errors"
	"testing"

	"github.com/gogpu/texgraph/compute"
	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/graph"
	"github.com/gogpu/texgraph/lang"
)

// stubDevice is an unbudgeted in-memory gpu.Device for facade tests.
type stubDevice struct {
	dispatches []string
	shaders    map[string]bool
}

func newStubDevice() *stubDevice {
	return &stubDevice{shaders: make(map[string]bool)}
}

func (d *stubDevice) CreateImage(size int, ty lang.ImageType) *gpu.Image {
	return gpu.NewImage(size, ty)
}

func (d *stubDevice) EnsureAllocated(img *gpu.Image) error {
	if !img.Backed() {
		img.SetBacking(make([]byte, img.ByteSize()))
	}
	return nil
}

func (d *stubDevice) FreeImage(img *gpu.Image) { img.SetBacking(nil) }

func (d *stubDevice) UploadImage(img *gpu.Image, data []byte) error {
	if !img.Backed() {
		return gpu.ErrNotBacked
	}
	copy(img.Raw().([]byte), data)
	return nil
}

func (d *stubDevice) DownloadImage(img *gpu.Image) ([]byte, error) {
	if !img.Backed() {
		return nil, gpu.ErrNotBacked
	}
	return append([]byte(nil), img.Raw().([]byte)...), nil
}

func (d *stubDevice) CopyImage(src, dst *gpu.Image) error {
	if !src.Backed() || !dst.Backed() {
		return gpu.ErrNotBacked
	}
	copy(dst.Raw().([]byte), src.Raw().([]byte))
	return nil
}

func (d *stubDevice) CreateBuffer(size int) (*gpu.Buffer, error) {
	return gpu.NewBuffer(size, make([]byte, size)), nil
}

func (d *stubDevice) FreeBuffer(*gpu.Buffer) {}

func (d *stubDevice) UploadBuffer(buf *gpu.Buffer, data []byte) error {
	copy(buf.Raw().([]byte), data)
	return nil
}

func (d *stubDevice) CreateThumbnail() (*gpu.Thumbnail, error) {
	return gpu.NewThumbnail(make([]byte, gpu.ThumbnailSize*gpu.ThumbnailSize*4)), nil
}

func (d *stubDevice) ReturnThumbnail(*gpu.Thumbnail) {}

func (d *stubDevice) GenerateThumbnail(img *gpu.Image, thumb *gpu.Thumbnail) error {
	if !img.Backed() {
		return gpu.ErrNotBacked
	}
	return nil
}

func (d *stubDevice) RegisterShader(name string, spirv []uint32, layout []gpu.BindingLayout) error {
	d.shaders[name] = true
	return nil
}

func (d *stubDevice) FillUniforms(data []byte) error { return nil }

func (d *stubDevice) Dispatch(shader string, size int, bindings []gpu.Binding) error {
	d.dispatches = append(d.dispatches, shader)
	return nil
}

func (d *stubDevice) Close() {}

func testManager(t *testing.T) (*stubDevice, *ComputeManager) {
	t.Helper()
	dev := newStubDevice()
	opts := DefaultOptions()
	opts.ParentSize = 64
	m, err := NewComputeManager(dev, opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return dev, m
}

func managerChain(t *testing.T) *graph.NodeGraph {
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

func TestManagerRecompute(t *testing.T) {
	dev, m := testManager(t)
	if len(dev.shaders) == 0 {
		t.Fatal("no shaders registered on construction")
	}
	m.AddGraph(managerChain(t))

	events, err := m.Recompute()
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if len(dev.dispatches) != 3 {
		t.Errorf("dispatches = %v, want 3", dev.dispatches)
	}
	var ready *compute.OutputReady
	for _, e := range events {
		if or, ok := e.(compute.OutputReady); ok {
			ready = &or
		}
	}
	if ready == nil {
		t.Fatal("no OutputReady event")
	}
	if ready.Size != 64 || ready.OutputType != lang.OutputTypeValue {
		t.Errorf("OutputReady = %+v", ready)
	}

	// A recompute over an unchanged graph is a no-op.
	events, err = m.Recompute()
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if len(dev.dispatches) != 3 {
		t.Errorf("clean recompute dispatched %v", dev.dispatches[3:])
	}
	if len(events) != 0 {
		t.Errorf("clean recompute emitted %v", events)
	}
}

func TestManagerRootSelection(t *testing.T) {
	_, m := testManager(t)
	if _, err := m.Recompute(); !errors.Is(err, ErrNoRoot) {
		t.Errorf("recompute without graphs: err = %v, want ErrNoRoot", err)
	}
	if err := m.SetRoot(lang.GraphResource("ghost")); !errors.Is(err, ErrUnknownGraph) {
		t.Errorf("SetRoot(ghost): err = %v, want ErrUnknownGraph", err)
	}

	g := managerChain(t)
	m.AddGraph(g)
	if err := m.SetRoot(g.Resource()); err != nil {
		t.Errorf("SetRoot: %v", err)
	}
}

func TestManagerIncompleteGraph(t *testing.T) {
	_, m := testManager(t)
	g := graph.NewNodeGraph("broken")
	blend, _ := g.AddNode(lang.AtomicOp(lang.DefaultBlend()), 64)
	out, _ := g.AddNode(lang.AtomicOp(&lang.Output{OutputType: lang.OutputTypeRGB}), 64)
	if _, err := g.Connect(blend.NodeSocket("color"), out.NodeSocket("data")); err != nil {
		t.Fatal(err)
	}
	m.AddGraph(g)

	if _, err := m.Recompute(); !errors.Is(err, ErrIncompleteGraph) {
		t.Errorf("err = %v, want ErrIncompleteGraph", err)
	}
}

func TestManagerApplyEventsForcesRecompute(t *testing.T) {
	dev, m := testManager(t)
	g := managerChain(t)
	m.AddGraph(g)
	if _, err := m.Recompute(); err != nil {
		t.Fatal(err)
	}
	before := len(dev.dispatches)

	checker := lang.NodeResource("base/checker.1")
	m.ApplyEvents([]graph.Event{graph.NodeResized{Node: checker, Size: 128}})
	if m.Registry().NodeSize(checker) != 128 {
		t.Fatalf("registry size = %d, want 128", m.Registry().NodeSize(checker))
	}

	if _, err := m.Recompute(); err != nil {
		t.Fatal(err)
	}
	// The resized node and its downstream consumers rerun; the untouched
	// grayscale branch does not.
	got := dev.dispatches[before:]
	want := []string{"checker", "blend_gray"}
	if len(got) != len(want) {
		t.Fatalf("dispatches after resize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d = %s, want %s", i, got[i], want[i])
		}
	}
}
