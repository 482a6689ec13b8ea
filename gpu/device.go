// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu defines the GPU backend boundary consumed by the compute
// interpreter: compute images with lazy backing, thumbnail slots,
// uniform upload and compute dispatch. The package ships one real
// implementation over gogpu/wgpu; everything above it talks only to the
// Device interface.
package gpu

import (
	"errors"

	"github.com/gogpu/texgraph/lang"
)

// Allocation and dispatch errors.
var (
	// ErrOutOfMemory is returned when an allocation exceeds the device
	// budget. It is the only recoverable device error: callers may free
	// images and retry once.
	ErrOutOfMemory = errors.New("gpu: out of memory")

	// ErrUnknownShader is returned by Dispatch for an unregistered
	// shader name.
	ErrUnknownShader = errors.New("gpu: unknown shader")

	// ErrNotBacked is returned when an operation requires an allocated
	// image and the image has no backing memory.
	ErrNotBacked = errors.New("gpu: image not backed")

	// ErrUploadFailed wraps pixel upload failures.
	ErrUploadFailed = errors.New("gpu: upload failed")

	// ErrDownloadFailed wraps pixel readback failures.
	ErrDownloadFailed = errors.New("gpu: download failed")
)

// ThumbnailSize is the side length of preview thumbnails in pixels.
const ThumbnailSize = 128

// Image is a device compute image. Creation records metadata only;
// backing memory is allocated lazily through Device.EnsureAllocated and
// may be reclaimed at any instruction boundary through Device.FreeImage.
type Image struct {
	size    int
	ty      lang.ImageType
	backed  bool
	backing any
}

// Size returns the image side length in pixels. Images are square.
func (i *Image) Size() int { return i.size }

// ImageType returns the pixel kind of the image.
func (i *Image) ImageType() lang.ImageType { return i.ty }

// Backed reports whether the image currently has backing memory.
func (i *Image) Backed() bool { return i != nil && i.backed }

// Raw exposes the backend handle for event consumers. The value is
// owned by the device and valid only while the image stays backed.
func (i *Image) Raw() any { return i.backing }

// ByteSize returns the backing allocation size in bytes.
func (i *Image) ByteSize() int {
	return i.size * i.size * i.ty.BytesPerPixel()
}

// NewImage builds the metadata half of an image. Device implementations
// use it from CreateImage; tests use it to fabricate images directly.
func NewImage(size int, ty lang.ImageType) *Image {
	return &Image{size: size, ty: ty}
}

// SetBacking installs or clears backend memory on the image. Only
// Device implementations call this.
func (i *Image) SetBacking(backing any) {
	i.backing = backing
	i.backed = backing != nil
}

// Buffer is a device storage buffer used for shader intermediate data.
type Buffer struct {
	size    int
	backing any
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return b.size }

// Raw exposes the backend handle.
func (b *Buffer) Raw() any { return b.backing }

// NewBuffer builds a buffer wrapper around backend memory.
func NewBuffer(size int, backing any) *Buffer {
	return &Buffer{size: size, backing: backing}
}

// Thumbnail is a small preview image slot. Thumbnails live outside the
// budgeted compute image pool and survive memory reclamation.
type Thumbnail struct {
	backing any
}

// Raw exposes the backend handle for event consumers.
func (t *Thumbnail) Raw() any { return t.backing }

// NewThumbnail wraps a backend thumbnail handle.
func NewThumbnail(backing any) *Thumbnail {
	return &Thumbnail{backing: backing}
}

// BindingKind tags what a dispatch binding slot carries.
type BindingKind uint8

const (
	// BindUniforms binds the shared uniform buffer filled by the last
	// FillUniforms call.
	BindUniforms BindingKind = iota

	// BindImage binds an input image for reading.
	BindImage

	// BindOutputImage binds an output image for writing.
	BindOutputImage

	// BindBuffer binds an intermediate storage buffer.
	BindBuffer
)

// Binding is one concrete descriptor slot of a dispatch.
type Binding struct {
	Binding uint32
	Kind    BindingKind
	Image   *Image
	Buffer  *Buffer
}

// BindingLayout declares one descriptor slot of a registered shader.
// For image slots, ImageType fixes the storage texture format.
type BindingLayout struct {
	Binding   uint32
	Kind      BindingKind
	ImageType lang.ImageType
}

// Device is the GPU backend consumed by the interpreter. Every method
// is synchronous: dispatch and transfer calls return after the work is
// submitted and its completion has been observed. Implementations are
// not safe for concurrent use; the interpreter serializes all access.
type Device interface {
	// CreateImage records image metadata. No memory is allocated.
	CreateImage(size int, ty lang.ImageType) *Image

	// EnsureAllocated backs the image with memory, returning
	// ErrOutOfMemory when the allocation would exceed the budget.
	// Backed images are left untouched.
	EnsureAllocated(img *Image) error

	// FreeImage releases the image's backing memory. The metadata stays
	// valid and the image may be reallocated later.
	FreeImage(img *Image)

	// UploadImage writes pixel data into a backed image.
	UploadImage(img *Image, data []byte) error

	// DownloadImage reads back the pixel data of a backed image.
	DownloadImage(img *Image) ([]byte, error)

	// CopyImage duplicates pixel data between two backed images of the
	// same size and type.
	CopyImage(src, dst *Image) error

	// CreateBuffer allocates an intermediate storage buffer, counted
	// against the budget like an image.
	CreateBuffer(size int) (*Buffer, error)

	// FreeBuffer releases an intermediate buffer.
	FreeBuffer(buf *Buffer)

	// UploadBuffer writes data into a storage buffer.
	UploadBuffer(buf *Buffer, data []byte) error

	// CreateThumbnail allocates a preview slot.
	CreateThumbnail() (*Thumbnail, error)

	// ReturnThumbnail releases a preview slot.
	ReturnThumbnail(thumb *Thumbnail)

	// GenerateThumbnail downsamples a backed image into a thumbnail.
	GenerateThumbnail(img *Image, thumb *Thumbnail) error

	// RegisterShader installs a compiled compute shader under a stable
	// name with its descriptor layout.
	RegisterShader(name string, spirv []uint32, layout []BindingLayout) error

	// FillUniforms replaces the shared uniform block read by the next
	// Dispatch.
	FillUniforms(data []byte) error

	// Dispatch runs a registered shader over a size x size grid with
	// the given descriptor bindings, then waits for completion.
	Dispatch(shader string, size int, bindings []Binding) error

	// Close releases every device resource.
	Close()
}
