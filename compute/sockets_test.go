package compute

import (
	"testing"
	"time"

	"github.com/gogpu/texgraph/lang"
)

func TestRegistryBindingResolution(t *testing.T) {
	dev := newFakeDevice(0)
	reg := NewRegistry(dev)

	src := lang.NodeResource("g/a.1")
	dst := lang.NodeResource("g/b.1")
	reg.EnsureNode(src, 64)
	out := reg.EnsureOutput(src.NodeSocket("color"), lang.ImageTypeRGB)
	reg.BindInput(dst.NodeSocket("background"), src.NodeSocket("color"))

	img, ok := reg.InputImage(dst.NodeSocket("background"))
	if !ok || img != out {
		t.Fatalf("input image = %v, want source output", img)
	}

	reg.SetOutputUpdated(src.NodeSocket("color"), 7)
	if got := reg.InputUpdated(dst.NodeSocket("background")); got != 7 {
		t.Errorf("input updated = %d, want 7", got)
	}
	if got := reg.AnyOutputUpdated(src); got != 7 {
		t.Errorf("any output updated = %d, want 7", got)
	}
}

func TestRegistryFreeUnretainedForces(t *testing.T) {
	dev := newFakeDevice(0)
	reg := NewRegistry(dev)

	keep := lang.NodeResource("g/keep.1")
	drop := lang.NodeResource("g/drop.1")
	for _, node := range []lang.Resource{keep, drop} {
		reg.EnsureNode(node, 64)
		img := reg.EnsureOutput(node.NodeSocket("out"), lang.ImageTypeGrayscale)
		if err := dev.EnsureAllocated(img); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	freed := reg.FreeUnretained(map[lang.Resource]bool{keep: true})
	if freed != 1 {
		t.Fatalf("freed = %d, want 1", freed)
	}
	if img, _ := reg.OutputImage(drop.NodeSocket("out")); img.Backed() {
		t.Error("dropped image still backed")
	}
	if img, _ := reg.OutputImage(keep.NodeSocket("out")); !img.Backed() {
		t.Error("retained image was freed")
	}
	if !reg.ConsumeForce(drop) {
		t.Error("freed node not force-marked")
	}
	if reg.ConsumeForce(drop) {
		t.Error("force flag not one-shot")
	}
	if reg.ConsumeForce(keep) {
		t.Error("retained node force-marked")
	}
}

func TestRegistryResizeForces(t *testing.T) {
	dev := newFakeDevice(0)
	reg := NewRegistry(dev)

	node := lang.NodeResource("g/a.1")
	reg.EnsureNode(node, 64)
	img := reg.EnsureOutput(node.NodeSocket("out"), lang.ImageTypeGrayscale)
	if err := dev.EnsureAllocated(img); err != nil {
		t.Fatal(err)
	}

	if !reg.ResizeNode(node, 128) {
		t.Fatal("resize reported no change")
	}
	if reg.NodeSize(node) != 128 {
		t.Errorf("size = %d, want 128", reg.NodeSize(node))
	}
	img, _ = reg.OutputImage(node.NodeSocket("out"))
	if img.Size() != 128 || img.Backed() {
		t.Errorf("image after resize: size %d backed %v", img.Size(), img.Backed())
	}
	if !reg.ConsumeForce(node) {
		t.Error("resized node not force-marked")
	}
	if reg.ResizeNode(node, 128) {
		t.Error("same-size resize reported a change")
	}
}

func TestRegistryTimingAverage(t *testing.T) {
	reg := NewRegistry(newFakeDevice(0))
	node := lang.NodeResource("g/a.1")
	reg.EnsureNode(node, 64)

	reg.UpdateTiming(node, 100*time.Millisecond)
	if got := reg.AverageTime(node); got != 100*time.Millisecond {
		t.Fatalf("first sample = %v", got)
	}
	reg.UpdateTiming(node, 200*time.Millisecond)
	got := reg.AverageTime(node)
	if got <= 100*time.Millisecond || got >= 200*time.Millisecond {
		t.Errorf("smoothed average = %v, want between samples", got)
	}
}
