// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package lang

// The concrete atomic operators. Each is a plain parameter struct whose
// Uniforms method packs the fields in shader layout order; ParamHash
// hashes exactly the bytes the shader sees, plus any CPU-side state
// that changes the result (external resources, color space).

// Blend composites a foreground over a background, optionally masked.
type Blend struct {
	BlendMode   BlendMode
	Mix         float32
	ClampOutput bool
}

// DefaultBlend returns a 50% Mix blend without clamping.
func DefaultBlend() *Blend {
	return &Blend{BlendMode: BlendModeMix, Mix: 0.5}
}

func (*Blend) OpName() string { return "blend" }

func (*Blend) Inputs() []InputSocket {
	return []InputSocket{
		{Name: "background", Type: Polymorphic(0)},
		{Name: "foreground", Type: Polymorphic(0)},
		{Name: "mask", Type: Monomorphic(ImageTypeGrayscale), Optional: true},
	}
}

func (*Blend) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "color", Type: Polymorphic(0)}}
}

func (b *Blend) Uniforms() []byte {
	buf := putU32(nil, uint32(b.BlendMode))
	buf = putF32(buf, b.Mix)
	clamp := uint32(0)
	if b.ClampOutput {
		clamp = 1
	}
	return putU32(buf, clamp)
}

func (b *Blend) ParamHash() uint64 { return hashBytes(b.Uniforms()) }

func (b *Blend) SetParameter(field string, data []byte) error {
	switch field {
	case "blend_mode":
		v, err := getU32(data)
		if err != nil {
			return err
		}
		b.BlendMode = BlendMode(v)
	case "mix":
		v, err := getF32(data)
		if err != nil {
			return err
		}
		b.Mix = v
	case "clamp_output":
		v, err := getU32(data)
		if err != nil {
			return err
		}
		b.ClampOutput = v != 0
	default:
		return ErrUnknownField
	}
	return nil
}

func (b *Blend) CloneAtomic() AtomicOperator {
	c := *b
	return &c
}

// PerlinNoise generates fractal value noise.
type PerlinNoise struct {
	Scale       float32
	Octaves     uint32
	Attenuation float32
}

// DefaultPerlinNoise returns a three-octave noise at scale 3.
func DefaultPerlinNoise() *PerlinNoise {
	return &PerlinNoise{Scale: 3, Octaves: 3, Attenuation: 2}
}

func (*PerlinNoise) OpName() string { return "perlin_noise" }

func (*PerlinNoise) Inputs() []InputSocket { return nil }

func (*PerlinNoise) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "noise", Type: Monomorphic(ImageTypeGrayscale)}}
}

func (p *PerlinNoise) Uniforms() []byte {
	buf := putF32(nil, p.Scale)
	buf = putU32(buf, p.Octaves)
	return putF32(buf, p.Attenuation)
}

func (p *PerlinNoise) ParamHash() uint64 { return hashBytes(p.Uniforms()) }

func (p *PerlinNoise) SetParameter(field string, data []byte) error {
	switch field {
	case "scale":
		v, err := getF32(data)
		if err != nil {
			return err
		}
		p.Scale = v
	case "octaves":
		v, err := getU32(data)
		if err != nil {
			return err
		}
		p.Octaves = v
	case "attenuation":
		v, err := getF32(data)
		if err != nil {
			return err
		}
		p.Attenuation = v
	default:
		return ErrUnknownField
	}
	return nil
}

func (p *PerlinNoise) CloneAtomic() AtomicOperator {
	c := *p
	return &c
}

// Checker generates an axis-aligned checkerboard pattern.
type Checker struct {
	Scale uint32
}

// DefaultChecker returns an 8x8 checkerboard.
func DefaultChecker() *Checker { return &Checker{Scale: 8} }

func (*Checker) OpName() string { return "checker" }

func (*Checker) Inputs() []InputSocket { return nil }

func (*Checker) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "pattern", Type: Monomorphic(ImageTypeGrayscale)}}
}

func (c *Checker) Uniforms() []byte { return putU32(nil, c.Scale) }

func (c *Checker) ParamHash() uint64 { return hashBytes(c.Uniforms()) }

func (c *Checker) SetParameter(field string, data []byte) error {
	if field != "scale" {
		return ErrUnknownField
	}
	v, err := getU32(data)
	if err != nil {
		return err
	}
	c.Scale = v
	return nil
}

func (c *Checker) CloneAtomic() AtomicOperator {
	cp := *c
	return &cp
}

// RGB emits a constant color.
type RGB struct {
	R, G, B float32
}

// DefaultRGB returns mid gray.
func DefaultRGB() *RGB { return &RGB{R: 0.5, G: 0.5, B: 0.5} }

func (*RGB) OpName() string { return "rgb" }

func (*RGB) Inputs() []InputSocket { return nil }

func (*RGB) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "color", Type: Monomorphic(ImageTypeRGB)}}
}

func (r *RGB) Uniforms() []byte {
	buf := putF32(nil, r.R)
	buf = putF32(buf, r.G)
	return putF32(buf, r.B)
}

func (r *RGB) ParamHash() uint64 { return hashBytes(r.Uniforms()) }

func (r *RGB) SetParameter(field string, data []byte) error {
	var dst *float32
	switch field {
	case "r":
		dst = &r.R
	case "g":
		dst = &r.G
	case "b":
		dst = &r.B
	default:
		return ErrUnknownField
	}
	v, err := getF32(data)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func (r *RGB) CloneAtomic() AtomicOperator {
	c := *r
	return &c
}

// Grayscale emits a constant value.
type Grayscale struct {
	Value float32
}

// DefaultGrayscale returns mid gray.
func DefaultGrayscale() *Grayscale { return &Grayscale{Value: 0.5} }

func (*Grayscale) OpName() string { return "grayscale" }

func (*Grayscale) Inputs() []InputSocket { return nil }

func (*Grayscale) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "value", Type: Monomorphic(ImageTypeGrayscale)}}
}

func (g *Grayscale) Uniforms() []byte { return putF32(nil, g.Value) }

func (g *Grayscale) ParamHash() uint64 { return hashBytes(g.Uniforms()) }

func (g *Grayscale) SetParameter(field string, data []byte) error {
	if field != "value" {
		return ErrUnknownField
	}
	v, err := getF32(data)
	if err != nil {
		return err
	}
	g.Value = v
	return nil
}

func (g *Grayscale) CloneAtomic() AtomicOperator {
	c := *g
	return &c
}

// NormalMap derives a tangent-space normal map from a height map.
type NormalMap struct {
	Strength float32
}

// DefaultNormalMap returns unit strength.
func DefaultNormalMap() *NormalMap { return &NormalMap{Strength: 1} }

func (*NormalMap) OpName() string { return "normal_map" }

func (*NormalMap) Inputs() []InputSocket {
	return []InputSocket{{Name: "height", Type: Monomorphic(ImageTypeGrayscale)}}
}

func (*NormalMap) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "normal", Type: Monomorphic(ImageTypeRGB)}}
}

func (n *NormalMap) Uniforms() []byte { return putF32(nil, n.Strength) }

func (n *NormalMap) ParamHash() uint64 { return hashBytes(n.Uniforms()) }

func (n *NormalMap) SetParameter(field string, data []byte) error {
	if field != "strength" {
		return ErrUnknownField
	}
	v, err := getF32(data)
	if err != nil {
		return err
	}
	n.Strength = v
	return nil
}

func (n *NormalMap) CloneAtomic() AtomicOperator {
	c := *n
	return &c
}

// Image loads an external image resource onto the GPU.
type Image struct {
	Image      Resource
	ColorSpace ColorSpace
}

func (*Image) OpName() string { return "image" }

func (*Image) Inputs() []InputSocket { return nil }

func (*Image) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "image", Type: Monomorphic(ImageTypeRGB)}}
}

func (*Image) Uniforms() []byte { return nil }

func (i *Image) ParamHash() uint64 {
	return hashBytes([]byte(i.Image.String()), []byte{byte(i.ColorSpace)})
}

func (i *Image) SetParameter(field string, data []byte) error {
	switch field {
	case "image":
		r, err := ParseResource(string(data))
		if err != nil {
			return err
		}
		i.Image = r
	case "color_space":
		v, err := getU32(data)
		if err != nil {
			return err
		}
		i.ColorSpace = ColorSpace(v)
	default:
		return ErrUnknownField
	}
	return nil
}

func (i *Image) CloneAtomic() AtomicOperator {
	c := *i
	return &c
}

// Svg rasterizes an SVG document and uploads the result.
type Svg struct {
	Svg Resource
}

func (*Svg) OpName() string { return "svg" }

func (*Svg) Inputs() []InputSocket { return nil }

func (*Svg) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "image", Type: Monomorphic(ImageTypeRGB)}}
}

func (*Svg) Uniforms() []byte { return nil }

func (s *Svg) ParamHash() uint64 {
	return hashBytes([]byte(s.Svg.String()))
}

func (s *Svg) SetParameter(field string, data []byte) error {
	if field != "svg" {
		return ErrUnknownField
	}
	r, err := ParseResource(string(data))
	if err != nil {
		return err
	}
	s.Svg = r
	return nil
}

func (s *Svg) CloneAtomic() AtomicOperator {
	c := *s
	return &c
}

// Input is the placeholder receiving data copied into a subgraph call.
type Input struct {
	InputType ImageType
}

func (*Input) OpName() string { return "input" }

func (*Input) Inputs() []InputSocket { return nil }

func (i *Input) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "data", Type: Monomorphic(i.InputType)}}
}

func (*Input) Uniforms() []byte { return nil }

func (i *Input) ParamHash() uint64 {
	return hashBytes([]byte{byte(i.InputType)})
}

func (i *Input) SetParameter(field string, data []byte) error {
	if field != "input_type" {
		return ErrUnknownField
	}
	v, err := getU32(data)
	if err != nil {
		return err
	}
	i.InputType = ImageType(v)
	return nil
}

func (i *Input) CloneAtomic() AtomicOperator {
	c := *i
	return &c
}

// Output marks a material channel leaving the graph.
type Output struct {
	OutputType OutputType
}

func (*Output) OpName() string { return "output" }

func (o *Output) Inputs() []InputSocket {
	return []InputSocket{{Name: "data", Type: Monomorphic(o.OutputType.ImageType())}}
}

func (*Output) Outputs() []OutputSocket { return nil }

func (*Output) Uniforms() []byte { return nil }

func (o *Output) ParamHash() uint64 {
	return hashBytes([]byte{byte(o.OutputType)})
}

func (o *Output) SetParameter(field string, data []byte) error {
	if field != "output_type" {
		return ErrUnknownField
	}
	v, err := getU32(data)
	if err != nil {
		return err
	}
	o.OutputType = OutputType(v)
	return nil
}

func (o *Output) CloneAtomic() AtomicOperator {
	c := *o
	return &c
}

// RampStep is one color stop of a gradient ramp.
type RampStep struct {
	Position float32
	R, G, B  float32
}

// rampStepSize is the packed byte width of one ramp step.
const rampStepSize = 16

// Ramp maps a grayscale factor through a gradient of color stops.
// Steps must be sorted by Position; the shader interpolates linearly
// between adjacent stops.
type Ramp struct {
	Steps []RampStep
}

// DefaultRamp returns a black to white ramp.
func DefaultRamp() *Ramp {
	return &Ramp{Steps: []RampStep{
		{Position: 0},
		{Position: 1, R: 1, G: 1, B: 1},
	}}
}

func (*Ramp) OpName() string { return "ramp" }

func (*Ramp) Inputs() []InputSocket {
	return []InputSocket{{Name: "factor", Type: Monomorphic(ImageTypeGrayscale)}}
}

func (*Ramp) Outputs() []OutputSocket {
	return []OutputSocket{{Name: "color", Type: Monomorphic(ImageTypeRGB)}}
}

func (r *Ramp) Uniforms() []byte { return putU32(nil, uint32(len(r.Steps))) }

// BufferData packs the steps for the shader's storage buffer, one
// vec4 per stop.
func (r *Ramp) BufferData() []byte {
	buf := make([]byte, 0, len(r.Steps)*rampStepSize)
	for _, s := range r.Steps {
		buf = putF32(buf, s.Position)
		buf = putF32(buf, s.R)
		buf = putF32(buf, s.G)
		buf = putF32(buf, s.B)
	}
	return buf
}

func (r *Ramp) ParamHash() uint64 { return hashBytes(r.BufferData()) }

func (r *Ramp) SetParameter(field string, data []byte) error {
	if field != "steps" {
		return ErrUnknownField
	}
	if len(data) == 0 || len(data)%rampStepSize != 0 {
		return ErrShortData
	}
	steps := make([]RampStep, len(data)/rampStepSize)
	for i := range steps {
		off := i * rampStepSize
		p, _ := getF32(data[off:])
		cr, _ := getF32(data[off+4:])
		cg, _ := getF32(data[off+8:])
		cb, _ := getF32(data[off+12:])
		steps[i] = RampStep{Position: p, R: cr, G: cg, B: cb}
	}
	r.Steps = steps
	return nil
}

func (r *Ramp) CloneAtomic() AtomicOperator {
	c := *r
	c.Steps = append([]RampStep(nil), r.Steps...)
	return &c
}
