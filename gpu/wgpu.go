// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	_ "embed"
	"fmt"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/texgraph/lang"
)

//go:embed shaders/copy_r32f.wgsl
var copyR32fWGSL string

//go:embed shaders/copy_rgba16f.wgsl
var copyRGBA16fWGSL string

//go:embed shaders/thumbnail_r32f.wgsl
var thumbR32fWGSL string

//go:embed shaders/thumbnail_rgba16f.wgsl
var thumbRGBA16fWGSL string

const (
	// uniformBlockSize is the capacity of the shared uniform buffer.
	// Operator uniform blocks are small; the largest is well under 1 KiB.
	uniformBlockSize = 4096

	// submitTimeout bounds every wait on submission completion. A
	// timeout is treated as a fatal device error.
	submitTimeout = 5 * time.Second

	// DefaultMemoryBudget is the default compute image pool size.
	DefaultMemoryBudget = 1 << 30
)

// WgpuDevice is the wgpu-backed Device. It owns a hal device and queue,
// either opened on the default adapter or borrowed from a provider, and
// enforces a byte budget over compute image and buffer allocations so
// pressure surfaces as ErrOutOfMemory instead of a driver fault.
type WgpuDevice struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	shaders map[string]*shaderPipeline

	// Builtin copy and thumbnail pipelines, one per source format.
	copyGray  *shaderPipeline
	copyRGB   *shaderPipeline
	thumbGray *shaderPipeline
	thumbRGB  *shaderPipeline

	uniformBuf hal.Buffer
	uniformLen int

	budget int64
	used   int64

	externalDevice bool
}

var _ Device = (*WgpuDevice)(nil)

type shaderPipeline struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
	layout     []BindingLayout
}

// halImage is the backing payload of a compute image.
type halImage struct {
	texture hal.Texture
	view    hal.TextureView
}

// halThumb is the backing payload of a thumbnail slot.
type halThumb struct {
	texture hal.Texture
	view    hal.TextureView
}

// Option configures a WgpuDevice.
type Option func(*WgpuDevice)

// WithMemoryBudget sets the compute image pool size in bytes.
// Allocations beyond the budget fail with ErrOutOfMemory.
func WithMemoryBudget(bytes int64) Option {
	return func(d *WgpuDevice) {
		if bytes > 0 {
			d.budget = bytes
		}
	}
}

// Open creates a WgpuDevice on the default adapter, preferring a
// discrete GPU.
func Open(opts ...Option) (*WgpuDevice, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("gpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: no adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}

	d := newWgpuDevice(openDev.Device, openDev.Queue, opts...)
	d.instance = instance
	if err := d.initBuiltins(); err != nil {
		d.Close()
		return nil, err
	}
	logger().Info("gpu: device opened", "adapter", selected.Info.Name)
	return d, nil
}

// FromProvider builds a WgpuDevice on a shared device exposed by a host
// application, typically a gogpu context. The provider must also expose
// HAL access through HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*WgpuDevice, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}

	d := newWgpuDevice(device, queue, opts...)
	d.externalDevice = true
	if err := d.initBuiltins(); err != nil {
		d.Close()
		return nil, err
	}
	logger().Info("gpu: using shared device")
	return d, nil
}

func newWgpuDevice(device hal.Device, queue hal.Queue, opts ...Option) *WgpuDevice {
	d := &WgpuDevice{
		device:  device,
		queue:   queue,
		shaders: make(map[string]*shaderPipeline),
		budget:  DefaultMemoryBudget,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *WgpuDevice) initBuiltins() error {
	grayIn := BindingLayout{Binding: 0, Kind: BindImage, ImageType: lang.ImageTypeGrayscale}
	rgbIn := BindingLayout{Binding: 0, Kind: BindImage, ImageType: lang.ImageTypeRGB}

	var err error
	d.copyGray, err = d.buildPipeline("copy_r32f", copyR32fWGSL, []BindingLayout{
		grayIn,
		{Binding: 1, Kind: BindOutputImage, ImageType: lang.ImageTypeGrayscale},
	})
	if err != nil {
		return err
	}
	d.copyRGB, err = d.buildPipeline("copy_rgba16f", copyRGBA16fWGSL, []BindingLayout{
		rgbIn,
		{Binding: 1, Kind: BindOutputImage, ImageType: lang.ImageTypeRGB},
	})
	if err != nil {
		return err
	}
	d.thumbGray, err = d.buildPipeline("thumbnail_r32f", thumbR32fWGSL, []BindingLayout{
		grayIn,
		{Binding: 1, Kind: bindThumbnail},
	})
	if err != nil {
		return err
	}
	d.thumbRGB, err = d.buildPipeline("thumbnail_rgba16f", thumbRGBA16fWGSL, []BindingLayout{
		rgbIn,
		{Binding: 1, Kind: bindThumbnail},
	})
	return err
}

// bindThumbnail is an internal binding kind for the RGBA8 preview
// target of the thumbnail pipelines.
const bindThumbnail BindingKind = 0xff

// CompileShader compiles a WGSL compute shader to the SPIR-V words
// RegisterShader expects.
func CompileShader(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("gpu: shader compilation failed: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func (d *WgpuDevice) buildPipeline(name, wgsl string, layout []BindingLayout) (*shaderPipeline, error) {
	spirv, err := CompileShader(wgsl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return d.buildPipelineSPIRV(name, spirv, layout)
}

func (d *WgpuDevice) buildPipelineSPIRV(name string, spirv []uint32, layout []BindingLayout) (*shaderPipeline, error) {
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create shader module %s: %w", name, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(layout))
	for i, bl := range layout {
		entry := gputypes.BindGroupLayoutEntry{
			Binding:    bl.Binding,
			Visibility: gputypes.ShaderStageCompute,
		}
		switch bl.Kind {
		case BindUniforms:
			entry.Buffer = &gputypes.BufferBindingLayout{
				Type: gputypes.BufferBindingTypeUniform,
			}
		case BindImage:
			entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessReadOnly,
				Format:        bl.ImageType.TextureFormat(),
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case BindOutputImage:
			entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        bl.ImageType.TextureFormat(),
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case bindThumbnail:
			entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        gputypes.TextureFormatRGBA8Unorm,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case BindBuffer:
			entry.Buffer = &gputypes.BufferBindingLayout{
				Type: gputypes.BufferBindingTypeStorage,
			}
		}
		entries[i] = entry
	}

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		d.device.DestroyShaderModule(module)
		return nil, fmt.Errorf("gpu: create bind group layout %s: %w", name, err)
	}

	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bindLayout)
		d.device.DestroyShaderModule(module)
		return nil, fmt.Errorf("gpu: create pipeline layout %s: %w", name, err)
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name + "_pipeline",
		Layout: pipeLayout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pipeLayout)
		d.device.DestroyBindGroupLayout(bindLayout)
		d.device.DestroyShaderModule(module)
		return nil, fmt.Errorf("gpu: create compute pipeline %s: %w", name, err)
	}

	return &shaderPipeline{
		module:     module,
		bindLayout: bindLayout,
		pipeLayout: pipeLayout,
		pipeline:   pipeline,
		layout:     layout,
	}, nil
}

func (d *WgpuDevice) destroyPipeline(p *shaderPipeline) {
	if p == nil {
		return
	}
	d.device.DestroyComputePipeline(p.pipeline)
	d.device.DestroyPipelineLayout(p.pipeLayout)
	d.device.DestroyBindGroupLayout(p.bindLayout)
	d.device.DestroyShaderModule(p.module)
}

// CreateImage records image metadata without allocating.
func (d *WgpuDevice) CreateImage(size int, ty lang.ImageType) *Image {
	return NewImage(size, ty)
}

// EnsureAllocated backs the image with a storage texture.
func (d *WgpuDevice) EnsureAllocated(img *Image) error {
	if img.Backed() {
		return nil
	}
	bytes := int64(img.ByteSize())
	if d.used+bytes > d.budget {
		logger().Debug("gpu: allocation exceeds budget",
			"requested", bytes, "used", d.used, "budget", d.budget)
		return ErrOutOfMemory
	}

	size := uint32(img.Size())
	texture, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "compute_image",
		Size:          hal.Extent3D{Width: size, Height: size, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        img.ImageType().TextureFormat(),
		Usage: gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageStorageBinding,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	view, err := d.device.CreateTextureView(texture, &hal.TextureViewDescriptor{
		Label: "compute_image_view",
	})
	if err != nil {
		d.device.DestroyTexture(texture)
		return fmt.Errorf("gpu: create image view: %w", err)
	}

	img.SetBacking(&halImage{texture: texture, view: view})
	d.used += bytes
	return nil
}

// FreeImage releases the image backing, keeping metadata intact.
func (d *WgpuDevice) FreeImage(img *Image) {
	if !img.Backed() {
		return
	}
	backing := img.Raw().(*halImage)
	d.device.DestroyTextureView(backing.view)
	d.device.DestroyTexture(backing.texture)
	img.SetBacking(nil)
	d.used -= int64(img.ByteSize())
}

// UploadImage writes tightly packed pixel rows into a backed image.
func (d *WgpuDevice) UploadImage(img *Image, data []byte) error {
	if !img.Backed() {
		return ErrNotBacked
	}
	if len(data) != img.ByteSize() {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrUploadFailed, len(data), img.ByteSize())
	}
	backing := img.Raw().(*halImage)
	size := uint32(img.Size())
	bytesPerRow := uint32(img.Size() * img.ImageType().BytesPerPixel())

	d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: backing.texture, MipLevel: 0},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: bytesPerRow, RowsPerImage: size},
		&hal.Extent3D{Width: size, Height: size, DepthOrArrayLayers: 1},
	)
	return nil
}

// DownloadImage reads back the pixel data of a backed image through an
// aligned staging buffer.
func (d *WgpuDevice) DownloadImage(img *Image) ([]byte, error) {
	if !img.Backed() {
		return nil, ErrNotBacked
	}
	backing := img.Raw().(*halImage)
	w := uint32(img.Size())
	h := uint32(img.Size())

	// WebGPU (and DX12) requires BytesPerRow aligned to 256 bytes.
	bytesPerRow := int(w) * img.ImageType().BytesPerPixel()
	const copyPitchAlignment = 256
	alignedBytesPerRow := (bytesPerRow + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	stagingSize := uint64(alignedBytesPerRow) * uint64(h)

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "image_readback",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create staging buffer: %w", ErrDownloadFailed, err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "image_readback_encoder",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create encoder: %w", ErrDownloadFailed, err)
	}
	if err := encoder.BeginEncoding("image_readback"); err != nil {
		return nil, fmt.Errorf("%w: begin encoding: %w", ErrDownloadFailed, err)
	}
	encoder.CopyTextureToBuffer(backing.texture, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: uint32(alignedBytesPerRow), RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: backing.texture, MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
	if err := d.submitEncoder(encoder); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	// The submission has completed, so the staging buffer is safe to
	// map for CPU reads.
	mapping, err := d.device.MapBuffer(staging, 0, stagingSize)
	if err != nil {
		return nil, fmt.Errorf("%w: map staging buffer: %w", ErrDownloadFailed, err)
	}
	readback := make([]byte, stagingSize)
	copy(readback, unsafe.Slice((*byte)(mapping.Ptr), stagingSize))
	if err := d.device.UnmapBuffer(staging); err != nil {
		return nil, fmt.Errorf("%w: unmap staging buffer: %w", ErrDownloadFailed, err)
	}

	return tightenRows(readback, bytesPerRow, alignedBytesPerRow, int(h)), nil
}

// tightenRows strips per-row pitch padding from aligned readback data.
func tightenRows(aligned []byte, bytesPerRow, alignedBytesPerRow, rows int) []byte {
	if alignedBytesPerRow == bytesPerRow {
		return aligned[:bytesPerRow*rows]
	}
	tight := make([]byte, bytesPerRow*rows)
	for row := 0; row < rows; row++ {
		srcOff := row * alignedBytesPerRow
		dstOff := row * bytesPerRow
		copy(tight[dstOff:dstOff+bytesPerRow], aligned[srcOff:srcOff+bytesPerRow])
	}
	return tight
}

// CopyImage duplicates pixel data with a builtin copy pass.
func (d *WgpuDevice) CopyImage(src, dst *Image) error {
	if !src.Backed() || !dst.Backed() {
		return ErrNotBacked
	}
	pipeline := d.copyGray
	if src.ImageType() == lang.ImageTypeRGB {
		pipeline = d.copyRGB
	}
	srcView := src.Raw().(*halImage).view
	dstView := dst.Raw().(*halImage).view
	return d.dispatchPipeline(pipeline, dst.Size(), []gputypes.BindGroupEntry{
		{Binding: 0, Resource: gputypes.TextureViewBinding{TextureView: srcView.NativeHandle()}},
		{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: dstView.NativeHandle()}},
	})
}

// CreateBuffer allocates an intermediate storage buffer.
func (d *WgpuDevice) CreateBuffer(size int) (*Buffer, error) {
	if d.used+int64(size) > d.budget {
		return nil, ErrOutOfMemory
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "intermediate",
		Size:  uint64(size),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	d.used += int64(size)
	return NewBuffer(size, buf), nil
}

// FreeBuffer releases an intermediate buffer.
func (d *WgpuDevice) FreeBuffer(buf *Buffer) {
	if buf == nil || buf.Raw() == nil {
		return
	}
	d.device.DestroyBuffer(buf.Raw().(hal.Buffer))
	d.used -= int64(buf.Size())
}

// UploadBuffer writes data into a storage buffer.
func (d *WgpuDevice) UploadBuffer(buf *Buffer, data []byte) error {
	if buf == nil || buf.Raw() == nil {
		return ErrNotBacked
	}
	d.queue.WriteBuffer(buf.Raw().(hal.Buffer), 0, data)
	return nil
}

// CreateThumbnail allocates an RGBA8 preview slot. Thumbnails are not
// budgeted: they are tiny and must survive memory reclamation.
func (d *WgpuDevice) CreateThumbnail() (*Thumbnail, error) {
	texture, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "thumbnail",
		Size:          hal.Extent3D{Width: ThumbnailSize, Height: ThumbnailSize, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage: gputypes.TextureUsageCopySrc | gputypes.TextureUsageStorageBinding |
			gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create thumbnail: %w", err)
	}
	view, err := d.device.CreateTextureView(texture, &hal.TextureViewDescriptor{
		Label: "thumbnail_view",
	})
	if err != nil {
		d.device.DestroyTexture(texture)
		return nil, fmt.Errorf("gpu: create thumbnail view: %w", err)
	}
	return NewThumbnail(&halThumb{texture: texture, view: view}), nil
}

// ReturnThumbnail releases a preview slot.
func (d *WgpuDevice) ReturnThumbnail(thumb *Thumbnail) {
	if thumb == nil || thumb.Raw() == nil {
		return
	}
	backing := thumb.Raw().(*halThumb)
	d.device.DestroyTextureView(backing.view)
	d.device.DestroyTexture(backing.texture)
}

// GenerateThumbnail downsamples a backed image into the preview slot.
func (d *WgpuDevice) GenerateThumbnail(img *Image, thumb *Thumbnail) error {
	if !img.Backed() {
		return ErrNotBacked
	}
	pipeline := d.thumbGray
	if img.ImageType() == lang.ImageTypeRGB {
		pipeline = d.thumbRGB
	}
	srcView := img.Raw().(*halImage).view
	thumbView := thumb.Raw().(*halThumb).view
	return d.dispatchPipeline(pipeline, ThumbnailSize, []gputypes.BindGroupEntry{
		{Binding: 0, Resource: gputypes.TextureViewBinding{TextureView: srcView.NativeHandle()}},
		{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: thumbView.NativeHandle()}},
	})
}

// RegisterShader installs a compiled compute shader.
func (d *WgpuDevice) RegisterShader(name string, spirv []uint32, layout []BindingLayout) error {
	if old, ok := d.shaders[name]; ok {
		d.destroyPipeline(old)
	}
	pipeline, err := d.buildPipelineSPIRV(name, spirv, layout)
	if err != nil {
		return err
	}
	d.shaders[name] = pipeline
	logger().Debug("gpu: shader registered", "name", name)
	return nil
}

// FillUniforms replaces the shared uniform block.
func (d *WgpuDevice) FillUniforms(data []byte) error {
	if len(data) > uniformBlockSize {
		return fmt.Errorf("gpu: uniform block too large: %d bytes", len(data))
	}
	if d.uniformBuf == nil {
		buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "uniforms",
			Size:  uniformBlockSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("gpu: create uniform buffer: %w", err)
		}
		d.uniformBuf = buf
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(d.uniformBuf, 0, data)
	}
	d.uniformLen = len(data)
	return nil
}

// Dispatch runs a registered shader over a size x size grid.
func (d *WgpuDevice) Dispatch(shader string, size int, bindings []Binding) error {
	pipeline, ok := d.shaders[shader]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownShader, shader)
	}

	entries := make([]gputypes.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		entry := gputypes.BindGroupEntry{Binding: b.Binding}
		switch b.Kind {
		case BindUniforms:
			if d.uniformBuf == nil {
				if err := d.FillUniforms(nil); err != nil {
					return err
				}
			}
			entry.Resource = gputypes.BufferBinding{
				Buffer: d.uniformBuf.NativeHandle(),
				Offset: 0,
				Size:   uint64(max(d.uniformLen, 16)),
			}
		case BindImage, BindOutputImage:
			if !b.Image.Backed() {
				return ErrNotBacked
			}
			view := b.Image.Raw().(*halImage).view
			entry.Resource = gputypes.TextureViewBinding{TextureView: view.NativeHandle()}
		case BindBuffer:
			if b.Buffer == nil || b.Buffer.Raw() == nil {
				return ErrNotBacked
			}
			buf := b.Buffer.Raw().(hal.Buffer)
			entry.Resource = gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   uint64(b.Buffer.Size()),
			}
		}
		entries[i] = entry
	}

	return d.dispatchPipeline(pipeline, size, entries)
}

// dispatchPipeline encodes one compute pass and blocks until its fence
// signals.
func (d *WgpuDevice) dispatchPipeline(p *shaderPipeline, size int, entries []gputypes.BindGroupEntry) error {
	bindGroup, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "dispatch_bind",
		Layout:  p.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("gpu: create bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(bindGroup)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "dispatch_encoder",
	})
	if err != nil {
		return fmt.Errorf("gpu: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("dispatch"); err != nil {
		return fmt.Errorf("gpu: begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "compute"})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	groups := uint32((size + 15) / 16)
	pass.Dispatch(groups, groups, 1)
	pass.End()

	return d.submitEncoder(encoder)
}

// submitEncoder finishes encoding, submits, and waits for the
// submission to complete. The HAL manages its own fences; completion is
// observed through the submission index.
func (d *WgpuDevice) submitEncoder(encoder hal.CommandEncoder) error {
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	index, err := d.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return fmt.Errorf("gpu: submit: %w", err)
	}
	deadline := time.Now().Add(submitTimeout)
	for d.queue.PollCompleted() < index {
		if time.Now().After(deadline) {
			return fmt.Errorf("gpu: submission %d timed out after %v", index, submitTimeout)
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

// Close releases every device resource. Shared devices from a provider
// are not destroyed.
func (d *WgpuDevice) Close() {
	for name, p := range d.shaders {
		d.destroyPipeline(p)
		delete(d.shaders, name)
	}
	d.destroyPipeline(d.copyGray)
	d.destroyPipeline(d.copyRGB)
	d.destroyPipeline(d.thumbGray)
	d.destroyPipeline(d.thumbRGB)
	d.copyGray, d.copyRGB, d.thumbGray, d.thumbRGB = nil, nil, nil, nil

	if d.uniformBuf != nil {
		d.device.DestroyBuffer(d.uniformBuf)
		d.uniformBuf = nil
	}
	if !d.externalDevice && d.device != nil {
		d.device.Destroy()
	}
	d.device = nil
	d.queue = nil
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}
