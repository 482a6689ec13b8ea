package compute

import (
	"fmt"

	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

// fakeDevice is an in-memory gpu.Device for interpreter tests. It
// tracks dispatches and enforces an optional byte budget so eviction
// and retry paths can be exercised without hardware.
type fakeDevice struct {
	budget int
	used   int

	dispatches []string
	copies     int
	thumbGens  int
	uploads    int

	failOnce  bool
	alwaysOOM bool

	shaders map[string]bool
}

func newFakeDevice(budget int) *fakeDevice {
	return &fakeDevice{budget: budget, shaders: make(map[string]bool)}
}

func (d *fakeDevice) CreateImage(size int, ty lang.ImageType) *gpu.Image {
	return gpu.NewImage(size, ty)
}

func (d *fakeDevice) EnsureAllocated(img *gpu.Image) error {
	if img.Backed() {
		return nil
	}
	if d.alwaysOOM {
		return gpu.ErrOutOfMemory
	}
	if d.failOnce {
		d.failOnce = false
		return gpu.ErrOutOfMemory
	}
	if d.budget > 0 && d.used+img.ByteSize() > d.budget {
		return gpu.ErrOutOfMemory
	}
	d.used += img.ByteSize()
	img.SetBacking(make([]byte, img.ByteSize()))
	return nil
}

func (d *fakeDevice) FreeImage(img *gpu.Image) {
	if img.Backed() {
		d.used -= img.ByteSize()
		img.SetBacking(nil)
	}
}

func (d *fakeDevice) UploadImage(img *gpu.Image, data []byte) error {
	if !img.Backed() {
		return gpu.ErrNotBacked
	}
	d.uploads++
	copy(img.Raw().([]byte), data)
	return nil
}

func (d *fakeDevice) DownloadImage(img *gpu.Image) ([]byte, error) {
	if !img.Backed() {
		return nil, gpu.ErrNotBacked
	}
	return append([]byte(nil), img.Raw().([]byte)...), nil
}

func (d *fakeDevice) CopyImage(src, dst *gpu.Image) error {
	if !src.Backed() || !dst.Backed() {
		return gpu.ErrNotBacked
	}
	d.copies++
	copy(dst.Raw().([]byte), src.Raw().([]byte))
	return nil
}

func (d *fakeDevice) CreateBuffer(size int) (*gpu.Buffer, error) {
	if d.alwaysOOM {
		return nil, gpu.ErrOutOfMemory
	}
	return gpu.NewBuffer(size, make([]byte, size)), nil
}

func (d *fakeDevice) FreeBuffer(*gpu.Buffer) {}

func (d *fakeDevice) UploadBuffer(buf *gpu.Buffer, data []byte) error {
	copy(buf.Raw().([]byte), data)
	return nil
}

func (d *fakeDevice) CreateThumbnail() (*gpu.Thumbnail, error) {
	return gpu.NewThumbnail(make([]byte, gpu.ThumbnailSize*gpu.ThumbnailSize*4)), nil
}

func (d *fakeDevice) ReturnThumbnail(*gpu.Thumbnail) {}

func (d *fakeDevice) GenerateThumbnail(img *gpu.Image, thumb *gpu.Thumbnail) error {
	if !img.Backed() {
		return gpu.ErrNotBacked
	}
	d.thumbGens++
	return nil
}

func (d *fakeDevice) RegisterShader(name string, spirv []uint32, layout []gpu.BindingLayout) error {
	d.shaders[name] = true
	return nil
}

func (d *fakeDevice) FillUniforms(data []byte) error { return nil }

func (d *fakeDevice) Dispatch(shader string, size int, bindings []gpu.Binding) error {
	for _, b := range bindings {
		if b.Kind == gpu.BindImage || b.Kind == gpu.BindOutputImage {
			if !b.Image.Backed() {
				return fmt.Errorf("%w: %s binding %d", gpu.ErrNotBacked, shader, b.Binding)
			}
		}
	}
	d.dispatches = append(d.dispatches, shader)
	return nil
}

func (d *fakeDevice) Close() {}
