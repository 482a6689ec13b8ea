// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// ImageType is the concrete pixel kind of a computed image.
type ImageType uint8

const (
	// ImageTypeGrayscale is a single-channel 32-bit float image.
	ImageTypeGrayscale ImageType = iota

	// ImageTypeRGB is a four-channel 16-bit float image. The alpha
	// channel is carried but operators treat the data as RGB.
	ImageTypeRGB
)

// String returns the lowercase name of the image type.
func (t ImageType) String() string {
	switch t {
	case ImageTypeGrayscale:
		return "grayscale"
	case ImageTypeRGB:
		return "rgb"
	default:
		return fmt.Sprintf("imagetype(%d)", uint8(t))
	}
}

// TextureFormat returns the backend texture format backing this image type.
func (t ImageType) TextureFormat() gputypes.TextureFormat {
	switch t {
	case ImageTypeGrayscale:
		return gputypes.TextureFormatR32Float
	case ImageTypeRGB:
		return gputypes.TextureFormatRGBA16Float
	default:
		return gputypes.TextureFormatUndefined
	}
}

// BytesPerPixel returns the size of one pixel in the backing texture.
func (t ImageType) BytesPerPixel() int {
	switch t {
	case ImageTypeGrayscale:
		return 4
	default:
		return 8
	}
}

// TypeVariable identifies a polymorphic type slot local to one node.
// Sockets of the same node sharing a TypeVariable resolve together.
type TypeVariable uint8

// SocketType is the declared type of a socket: either a concrete
// ImageType or a type variable awaiting monomorphization.
type SocketType struct {
	image    ImageType
	variable TypeVariable
	poly     bool
}

// Monomorphic returns a socket type fixed to a concrete image kind.
func Monomorphic(t ImageType) SocketType {
	return SocketType{image: t}
}

// Polymorphic returns a socket type carrying a type variable.
func Polymorphic(v TypeVariable) SocketType {
	return SocketType{variable: v, poly: true}
}

// IsPolymorphic reports whether the socket type is an unresolved variable.
func (s SocketType) IsPolymorphic() bool { return s.poly }

// Image returns the concrete image kind. Only meaningful when the type
// is monomorphic.
func (s SocketType) Image() ImageType { return s.image }

// Variable returns the type variable. Only meaningful when the type is
// polymorphic.
func (s SocketType) Variable() TypeVariable { return s.variable }

// String renders the socket type for diagnostics.
func (s SocketType) String() string {
	if s.poly {
		return fmt.Sprintf("poly(%d)", s.variable)
	}
	return s.image.String()
}

// OutputType tags what an Output operator exports, which doubles as the
// material channel written by a layer.
type OutputType uint8

const (
	OutputTypeAlbedo OutputType = iota
	OutputTypeRoughness
	OutputTypeNormal
	OutputTypeDisplacement
	OutputTypeMetallic
	OutputTypeAmbientOcclusion
	OutputTypeValue
	OutputTypeRGB
)

// String returns the channel name used in socket fragments and events.
func (t OutputType) String() string {
	switch t {
	case OutputTypeAlbedo:
		return "albedo"
	case OutputTypeRoughness:
		return "roughness"
	case OutputTypeNormal:
		return "normal"
	case OutputTypeDisplacement:
		return "displacement"
	case OutputTypeMetallic:
		return "metallic"
	case OutputTypeAmbientOcclusion:
		return "ambient_occlusion"
	case OutputTypeValue:
		return "value"
	case OutputTypeRGB:
		return "rgb"
	default:
		return fmt.Sprintf("outputtype(%d)", uint8(t))
	}
}

// ImageType returns the pixel kind a channel of this output type carries.
func (t OutputType) ImageType() ImageType {
	switch t {
	case OutputTypeAlbedo, OutputTypeNormal, OutputTypeRGB:
		return ImageTypeRGB
	default:
		return ImageTypeGrayscale
	}
}

// MaterialChannels lists the output types usable as layer-stack channels.
var MaterialChannels = []OutputType{
	OutputTypeAlbedo,
	OutputTypeRoughness,
	OutputTypeNormal,
	OutputTypeDisplacement,
	OutputTypeMetallic,
	OutputTypeAmbientOcclusion,
}

// BlendMode selects the compositing function of a Blend operator.
type BlendMode uint8

const (
	BlendModeMix BlendMode = iota
	BlendModeMultiply
	BlendModeAdd
	BlendModeSubtract
	BlendModeScreen
	BlendModeOverlay
	BlendModeDarken
	BlendModeLighten
	BlendModeSmoothDarken
	BlendModeSmoothLighten
)

// ColorSpace describes how external image bytes map to linear values.
type ColorSpace uint8

const (
	ColorSpaceSRGB ColorSpace = iota
	ColorSpaceLinear
)

// String returns the color space name.
func (c ColorSpace) String() string {
	if c == ColorSpaceLinear {
		return "linear"
	}
	return "srgb"
}

const (
	// MinImageSize is the smallest side length an output image may take.
	MinImageSize = 32

	// MaxImageSize is the largest side length an output image may take.
	MaxImageSize = 16384
)

// ClampImageSize restricts a side length to the supported range.
func ClampImageSize(size int) int {
	if size < MinImageSize {
		return MinImageSize
	}
	if size > MaxImageSize {
		return MaxImageSize
	}
	return size
}

// ScaledImageSize applies a power-of-two scaling relative to a parent
// size. Positive scale doubles per step, negative halves per step. The
// result is clamped to the supported range.
func ScaledImageSize(parent int, scale int) int {
	size := parent
	switch {
	case scale > 0:
		for i := 0; i < scale; i++ {
			size *= 2
		}
	case scale < 0:
		for i := 0; i > scale; i-- {
			size /= 2
		}
	}
	return ClampImageSize(size)
}
