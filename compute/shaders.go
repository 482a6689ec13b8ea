// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

//go:embed shaders/blend.wgsl
var blendWGSL string

//go:embed shaders/blend_masked.wgsl
var blendMaskedWGSL string

//go:embed shaders/perlin_noise.wgsl
var perlinNoiseWGSL string

//go:embed shaders/checker.wgsl
var checkerWGSL string

//go:embed shaders/rgb.wgsl
var rgbWGSL string

//go:embed shaders/grayscale.wgsl
var grayscaleWGSL string

//go:embed shaders/normal_map.wgsl
var normalMapWGSL string

//go:embed shaders/ramp.wgsl
var rampWGSL string

// ErrMissingShader is returned when no shader variant covers an
// operator with its resolved socket types.
var ErrMissingShader = errors.New("compute: no shader for operator")

// ShaderBinding declares one descriptor slot of an operator shader and
// how the interpreter fills it: uniform block, a named input or output
// socket image, or a storage buffer packed from the operator state.
type ShaderBinding struct {
	Binding uint32
	Kind    gpu.BindingKind

	// Socket names the operator socket backing image slots. Input
	// sockets for BindImage, output sockets for BindOutputImage.
	Socket string

	// ImageType fixes the storage format of image slots.
	ImageType lang.ImageType

	// BufferData packs the storage buffer contents for BindBuffer slots.
	BufferData func(op lang.AtomicOperator) []byte
}

// OperatorShader is one registered shader variant of an atomic
// operator.
type OperatorShader struct {
	Name     string
	Bindings []ShaderBinding

	source string

	// Variant selectors. anyType accepts every resolved output type;
	// keyOnMask splits variants on whether the optional mask input is
	// connected.
	outType   lang.ImageType
	anyType   bool
	keyOnMask bool
	masked    bool
}

// ShaderLibrary maps operator names to their shader variants and
// registers the compiled SPIR-V with a device.
type ShaderLibrary struct {
	variants map[string][]*OperatorShader
}

// NewShaderLibrary returns an empty library.
func NewShaderLibrary() *ShaderLibrary {
	return &ShaderLibrary{variants: make(map[string][]*OperatorShader)}
}

// Add appends a shader variant for the named operator.
func (l *ShaderLibrary) Add(opName string, s *OperatorShader) {
	l.variants[opName] = append(l.variants[opName], s)
}

// ShaderFor selects the variant matching an operator's resolved output
// type and mask connectivity.
func (l *ShaderLibrary) ShaderFor(opName string, outType lang.ImageType, hasMask bool) (*OperatorShader, error) {
	for _, s := range l.variants[opName] {
		if !s.anyType && s.outType != outType {
			continue
		}
		if s.keyOnMask && s.masked != hasMask {
			continue
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrMissingShader, opName, outType)
}

// Register compiles every variant and installs it on the device.
func (l *ShaderLibrary) Register(dev gpu.Device) error {
	for opName, variants := range l.variants {
		for _, s := range variants {
			spirv, err := gpu.CompileShader(s.source)
			if err != nil {
				return fmt.Errorf("compute: %s: %w", opName, err)
			}
			layout := make([]gpu.BindingLayout, len(s.Bindings))
			for i, b := range s.Bindings {
				layout[i] = gpu.BindingLayout{Binding: b.Binding, Kind: b.Kind, ImageType: b.ImageType}
			}
			if err := dev.RegisterShader(s.Name, spirv, layout); err != nil {
				return fmt.Errorf("compute: %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

func formatName(ty lang.ImageType) string {
	if ty == lang.ImageTypeRGB {
		return "rgba16float"
	}
	return "r32float"
}

func blendVariant(ty lang.ImageType, masked bool) *OperatorShader {
	suffix := "gray"
	if ty == lang.ImageTypeRGB {
		suffix = "rgb"
	}
	src := blendWGSL
	name := "blend_" + suffix
	bindings := []ShaderBinding{
		{Binding: 0, Kind: gpu.BindUniforms},
		{Binding: 1, Kind: gpu.BindImage, Socket: "background", ImageType: ty},
		{Binding: 2, Kind: gpu.BindImage, Socket: "foreground", ImageType: ty},
		{Binding: 3, Kind: gpu.BindOutputImage, Socket: "color", ImageType: ty},
	}
	if masked {
		src = blendMaskedWGSL
		name += "_masked"
		bindings = append(bindings, ShaderBinding{
			Binding: 4, Kind: gpu.BindImage, Socket: "mask", ImageType: lang.ImageTypeGrayscale,
		})
	}
	return &OperatorShader{
		Name:      name,
		Bindings:  bindings,
		source:    strings.ReplaceAll(src, "$FORMAT$", formatName(ty)),
		outType:   ty,
		keyOnMask: true,
		masked:    masked,
	}
}

// DefaultLibrary builds the library covering the built-in atomic
// operators. Image, SVG, input and output nodes have no shader; the
// interpreter handles them directly.
func DefaultLibrary() *ShaderLibrary {
	l := NewShaderLibrary()

	for _, ty := range []lang.ImageType{lang.ImageTypeGrayscale, lang.ImageTypeRGB} {
		l.Add("blend", blendVariant(ty, false))
		l.Add("blend", blendVariant(ty, true))
	}

	l.Add("perlin_noise", &OperatorShader{
		Name:   "perlin_noise",
		source: perlinNoiseWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindOutputImage, Socket: "noise", ImageType: lang.ImageTypeGrayscale},
		},
		outType: lang.ImageTypeGrayscale,
	})

	l.Add("checker", &OperatorShader{
		Name:   "checker",
		source: checkerWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindOutputImage, Socket: "pattern", ImageType: lang.ImageTypeGrayscale},
		},
		outType: lang.ImageTypeGrayscale,
	})

	l.Add("rgb", &OperatorShader{
		Name:   "rgb",
		source: rgbWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindOutputImage, Socket: "color", ImageType: lang.ImageTypeRGB},
		},
		outType: lang.ImageTypeRGB,
	})

	l.Add("grayscale", &OperatorShader{
		Name:   "grayscale",
		source: grayscaleWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindOutputImage, Socket: "value", ImageType: lang.ImageTypeGrayscale},
		},
		outType: lang.ImageTypeGrayscale,
	})

	l.Add("normal_map", &OperatorShader{
		Name:   "normal_map",
		source: normalMapWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindImage, Socket: "height", ImageType: lang.ImageTypeGrayscale},
			{Binding: 2, Kind: gpu.BindOutputImage, Socket: "normal", ImageType: lang.ImageTypeRGB},
		},
		outType: lang.ImageTypeRGB,
	})

	l.Add("ramp", &OperatorShader{
		Name:   "ramp",
		source: rampWGSL,
		Bindings: []ShaderBinding{
			{Binding: 0, Kind: gpu.BindUniforms},
			{Binding: 1, Kind: gpu.BindImage, Socket: "factor", ImageType: lang.ImageTypeGrayscale},
			{Binding: 2, Kind: gpu.BindOutputImage, Socket: "color", ImageType: lang.ImageTypeRGB},
			{Binding: 3, Kind: gpu.BindBuffer, BufferData: func(op lang.AtomicOperator) []byte {
				if r, ok := op.(*lang.Ramp); ok {
					return r.BufferData()
				}
				return nil
			}},
		},
		outType: lang.ImageTypeRGB,
	})

	return l
}
