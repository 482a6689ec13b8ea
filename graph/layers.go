// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/texgraph/lang"
)

// LayerKind distinguishes the two layer flavors.
type LayerKind uint8

const (
	// LayerFill paints material channels from an operator without
	// inputs, typically a noise or a complex material.
	LayerFill LayerKind = iota

	// LayerFx transforms the composited material underneath it. FX
	// layers cannot sit at the bottom of the stack.
	LayerFx
)

// Mask is a grayscale modulation layer stacked onto a Layer. Masks
// compose among themselves with their own blend options; the resulting
// image feeds the mask socket of the layer's channel blends.
type Mask struct {
	name         string
	op           lang.Operator
	outputSocket string
	opacity      float32
	blendMode    lang.BlendMode
	enabled      bool
}

// NewMask wraps an operator as a mask. The operator must produce at
// least one output; its first output socket supplies the mask data.
func NewMask(op lang.Operator) *Mask {
	outs := op.Outputs()
	if len(outs) == 0 {
		return nil
	}
	return &Mask{
		op:           op,
		outputSocket: outs[0].Name,
		opacity:      1,
		blendMode:    lang.BlendModeMix,
		enabled:      true,
	}
}

func (m *Mask) blendOperator() *lang.Blend {
	return &lang.Blend{BlendMode: m.blendMode, Mix: m.opacity, ClampOutput: true}
}

// Layer is one entry of a LayerStack: an operator, the channels it
// writes, its blend options and an optional mask stack.
type Layer struct {
	name          string
	title         string
	kind          LayerKind
	op            lang.Operator
	inputSockets  map[string]lang.OutputType
	outputSockets map[lang.OutputType]string
	channels      map[lang.OutputType]bool
	opacity       float32
	blendMode     lang.BlendMode
	enabled       bool
	masks         []*Mask
}

func newLayer(kind LayerKind, op lang.Operator) *Layer {
	l := &Layer{
		kind:          kind,
		op:            op,
		inputSockets:  make(map[string]lang.OutputType),
		outputSockets: make(map[lang.OutputType]string),
		channels:      make(map[lang.OutputType]bool),
		opacity:       1,
		blendMode:     lang.BlendModeMix,
		enabled:       true,
	}
	if kind == LayerFx {
		// FX inputs default to displacement until mapped.
		for _, in := range op.Inputs() {
			l.inputSockets[in.Name] = lang.OutputTypeDisplacement
		}
	}
	return l
}

// blendOperator synthesizes the compositing blend of this layer. The
// output is always clamped so channel data stays in range.
func (l *Layer) blendOperator() *lang.Blend {
	return &lang.Blend{BlendMode: l.blendMode, Mix: l.opacity, ClampOutput: true}
}

func (l *Layer) enabledMasks() []*Mask {
	var masks []*Mask
	for _, m := range l.masks {
		if m.enabled {
			masks = append(masks, m)
		}
	}
	return masks
}

// LayerStack is the alternate authoring surface: an ordered stack of
// layers composited bottom-up, one running front image per material
// channel. It compiles to the same program shape as a node graph.
type LayerStack struct {
	name        string
	layers      []*Layer
	index       map[string]int
	forcePoints []lang.Resource
}

// NewLayerStack creates an empty stack with the given name.
func NewLayerStack(name string) *LayerStack {
	return &LayerStack{name: name, index: make(map[string]int)}
}

// Name returns the stack name.
func (s *LayerStack) Name() string { return s.name }

// Resource returns the stack's graph resource identity.
func (s *LayerStack) Resource() lang.Resource { return lang.GraphResource(s.name) }

func (s *LayerStack) nextFreeName(base string) string {
	for i := 1; ; i++ {
		name := base + "." + strconv.Itoa(i)
		if _, ok := s.index[name]; !ok {
			return name
		}
	}
}

// LayerResource names a layer node.
func (s *LayerStack) LayerResource(l *Layer) lang.Resource {
	return lang.NodeResource(s.name + "/" + l.name)
}

// BlendResource names the synthesized blend compositing a layer into
// one channel.
func (s *LayerStack) BlendResource(l *Layer, channel lang.OutputType) lang.Resource {
	return lang.NodeResource(fmt.Sprintf("%s/%s.blend.%s", s.name, l.name, channel))
}

// MaskResource names a mask of a layer.
func (s *LayerStack) MaskResource(l *Layer, m *Mask) lang.Resource {
	return lang.NodeResource(fmt.Sprintf("%s/%s.mask.%s", s.name, l.name, m.name))
}

// MaskBlendResource names the blend compositing a mask onto the masks
// below it.
func (s *LayerStack) MaskBlendResource(l *Layer, m *Mask) lang.Resource {
	return lang.NodeResource(fmt.Sprintf("%s/%s.mask.%s.blend", s.name, l.name, m.name))
}

// OutputResource names the virtual output node closing one channel.
func (s *LayerStack) OutputResource(channel lang.OutputType) lang.Resource {
	return lang.NodeResource(fmt.Sprintf("%s/output.%s", s.name, channel))
}

func (s *LayerStack) push(l *Layer, base string) lang.Resource {
	l.name = s.nextFreeName(base)
	s.layers = append(s.layers, l)
	s.index[l.name] = len(s.layers) - 1
	logger().Debug("graph: layer added", "stack", s.name, "layer", l.name)
	return s.LayerResource(l)
}

// PushFill appends a fill layer. The operator must not have inputs.
func (s *LayerStack) PushFill(op lang.Operator, base string) (lang.Resource, error) {
	if len(op.Inputs()) != 0 {
		return lang.Resource{}, fmt.Errorf("graph: fill layer operator %s has inputs", op.OpName())
	}
	l := newLayer(LayerFill, op)
	l.title = base
	return s.push(l, base), nil
}

// PushFx appends an FX layer. FX layers need a layer underneath to read
// from, so they cannot open the stack.
func (s *LayerStack) PushFx(op lang.Operator, base string) (lang.Resource, error) {
	if len(s.layers) == 0 {
		return lang.Resource{}, fmt.Errorf("graph: fx layer %s cannot open a stack", op.OpName())
	}
	l := newLayer(LayerFx, op)
	l.title = base
	return s.push(l, base), nil
}

// PushMask stacks a mask onto a layer. Masks with inputs need a mask
// underneath them.
func (s *LayerStack) PushMask(layer lang.Resource, op lang.Operator, base string) (lang.Resource, error) {
	l, err := s.layer(layer)
	if err != nil {
		return lang.Resource{}, err
	}
	m := NewMask(op)
	if m == nil {
		return lang.Resource{}, fmt.Errorf("graph: operator %s has no output usable as mask", op.OpName())
	}
	if len(op.Inputs()) != 0 && len(l.masks) == 0 {
		return lang.Resource{}, fmt.Errorf("graph: mask %s needs a mask underneath", op.OpName())
	}
	m.name = base + "." + strconv.Itoa(len(l.masks)+1)
	l.masks = append(l.masks, m)
	return s.MaskResource(l, m), nil
}

// Remove deletes a layer from the stack.
func (s *LayerStack) Remove(layer lang.Resource) error {
	name := layer.File()
	idx, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, layer)
	}
	s.layers = append(s.layers[:idx], s.layers[idx+1:]...)
	delete(s.index, name)
	for n, i := range s.index {
		if i > idx {
			s.index[n] = i - 1
		}
	}
	return nil
}

// Layers lists the layer resources bottom-up.
func (s *LayerStack) Layers() []lang.Resource {
	res := make([]lang.Resource, len(s.layers))
	for i, l := range s.layers {
		res[i] = s.LayerResource(l)
	}
	return res
}

func (s *LayerStack) layer(res lang.Resource) (*Layer, error) {
	idx, ok := s.index[res.File()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
	}
	return s.layers[idx], nil
}

func (s *LayerStack) mask(res lang.Resource) (*Layer, *Mask, error) {
	name := res.File()
	pos := strings.Index(name, ".mask.")
	if pos < 0 {
		return nil, nil, fmt.Errorf("%w: %s is not a mask", ErrNodeNotFound, res)
	}
	l, err := s.layer(res.RenameFile(name[:pos]))
	if err != nil {
		return nil, nil, err
	}
	maskName := name[pos+len(".mask."):]
	for _, m := range l.masks {
		if m.name == maskName {
			return l, m, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, res)
}

// SetOutput maps a layer's output socket to a material channel and
// enables writing it.
func (s *LayerStack) SetOutput(layer lang.Resource, channel lang.OutputType, socket string) error {
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	l.outputSockets[channel] = socket
	l.channels[channel] = true
	return nil
}

// SetOutputChannel toggles whether a layer writes a mapped channel.
func (s *LayerStack) SetOutputChannel(layer lang.Resource, channel lang.OutputType, enabled bool) error {
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	if enabled {
		l.channels[channel] = true
	} else {
		delete(l.channels, channel)
	}
	return nil
}

// SetInput maps an FX layer's input socket to the material channel it
// reads.
func (s *LayerStack) SetInput(layer lang.Resource, socket string, channel lang.OutputType) error {
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	if l.kind != LayerFx {
		return fmt.Errorf("graph: layer %s takes no inputs", layer)
	}
	l.inputSockets[socket] = channel
	return nil
}

// SetOpacity sets a layer's blend opacity.
func (s *LayerStack) SetOpacity(layer lang.Resource, opacity float32) error {
	if _, m, err := s.mask(layer); err == nil {
		m.opacity = opacity
		return nil
	}
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	l.opacity = opacity
	return nil
}

// SetBlendMode sets a layer's blend mode.
func (s *LayerStack) SetBlendMode(layer lang.Resource, mode lang.BlendMode) error {
	if _, m, err := s.mask(layer); err == nil {
		m.blendMode = mode
		return nil
	}
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	l.blendMode = mode
	return nil
}

// SetEnabled toggles a layer. Re-enabling changes what the successor
// layer composites against, so the successor is force-marked for the
// next interpretation.
func (s *LayerStack) SetEnabled(layer lang.Resource, enabled bool) error {
	if _, m, err := s.mask(layer); err == nil {
		m.enabled = enabled
		return nil
	}
	l, err := s.layer(layer)
	if err != nil {
		return err
	}
	l.enabled = enabled
	if idx := s.index[l.name]; idx+1 < len(s.layers) {
		s.forcePoints = append(s.forcePoints, s.LayerResource(s.layers[idx+1]))
	}
	return nil
}

// SetParameter changes a parameter of a layer or mask operator.
func (s *LayerStack) SetParameter(param lang.Resource, data []byte) error {
	if _, m, err := s.mask(param.ParameterNode()); err == nil {
		return m.op.SetParameter(param.Fragment(), data)
	}
	l, err := s.layer(param.ParameterNode())
	if err != nil {
		return err
	}
	return l.op.SetParameter(param.Fragment(), data)
}

// ClearForcePoints drops the accumulated force marks, after they have
// been handed to an interpretation.
func (s *LayerStack) ClearForcePoints() {
	s.forcePoints = s.forcePoints[:0]
}

// topMask returns the socket carrying the composited mask stack of a
// layer, if any.
func (s *LayerStack) topMask(l *Layer) (lang.Resource, bool) {
	masks := l.enabledMasks()
	switch len(masks) {
	case 0:
		return lang.Resource{}, false
	case 1:
		m := masks[0]
		return s.MaskResource(l, m).NodeSocket(m.outputSocket), true
	default:
		m := masks[len(masks)-1]
		return s.MaskBlendResource(l, m).NodeSocket("color"), true
	}
}

// linearizeMasks compiles a layer's mask stack, threading one running
// front image through the enabled masks. The first enabled mask is the
// stack base: there is no front beneath it, so its inputs stay unwired.
// A base mask with a mandatory input aborts the linearization.
func (s *LayerStack) linearizeMasks(l *Layer, b *programBuilder) bool {
	var last lang.Resource
	haveLast := false

	for _, m := range l.enabledMasks() {
		res := s.MaskResource(l, m)

		if c := m.op.Complex(); c != nil {
			if !haveLast && len(c.ComplexInputs()) > 0 {
				logger().Warn("graph: base mask requires an input",
					"layer", l.name, "mask", m.name)
				return false
			}
			b.beginVisit(res)
			if haveLast {
				for _, in := range c.ComplexInputs() {
					b.use(last.SocketNode())
					b.emit(lang.Copy(last, in.Internal.NodeSocket("data")))
				}
			}
			b.emit(lang.Call(res, c))
			outs := c.ComplexOutputs()
			b.emit(lang.Copy(outs[0].Internal.NodeSocket("data"), res.NodeSocket(outs[0].Name)))
		} else {
			if !haveLast {
				for _, in := range m.op.Inputs() {
					if !in.Optional {
						logger().Warn("graph: base mask requires an input",
							"layer", l.name, "mask", m.name, "input", in.Name)
						return false
					}
				}
			}
			b.beginVisit(res)
			if haveLast {
				for _, in := range m.op.Inputs() {
					b.use(last.SocketNode())
					b.emit(lang.Move(last, res.NodeSocket(in.Name)))
				}
			}
			b.emit(lang.Execute(res, m.op.Atomic()))
		}
		b.emit(lang.Thumbnail(res.NodeSocket(m.outputSocket)))

		if haveLast {
			blendRes := s.MaskBlendResource(l, m)
			b.beginVisit(blendRes)
			b.use(res)
			b.use(last.SocketNode())
			b.emit(lang.Move(last, blendRes.NodeSocket("background")))
			b.emit(lang.Move(res.NodeSocket(m.outputSocket), blendRes.NodeSocket("foreground")))
			b.emit(lang.Execute(blendRes, m.blendOperator()))
			last = blendRes.NodeSocket("color")
		} else {
			last = res.NodeSocket(m.outputSocket)
			haveLast = true
		}
	}
	return true
}

// Linearize compiles the stack into a program. Layers run bottom-up,
// each channel threading a front image through synthesized blends; a
// virtual Output execute closes every channel with at least one writer.
// Returns nil when a mask stack bottoms out on a mask that demands an
// input.
func (s *LayerStack) Linearize() *lang.Program {
	b := newProgramBuilder()
	front := make(map[lang.OutputType]lang.Resource)

	for _, l := range s.layers {
		if !l.enabled {
			continue
		}
		if l.kind == LayerFill && len(l.channels) == 0 {
			continue
		}

		res := s.LayerResource(l)
		b.beginVisit(res)

		if c := l.op.Complex(); c != nil {
			if l.kind == LayerFx {
				for _, in := range c.ComplexInputs() {
					channel := l.inputSockets[in.Name]
					bg, ok := front[channel]
					if !ok {
						logger().Warn("graph: fx layer misses channel underneath",
							"layer", l.name, "channel", channel.String())
						continue
					}
					b.use(bg.SocketNode())
					b.emit(lang.Copy(bg, in.Internal.NodeSocket("data")))
				}
			}
			b.emit(lang.Call(res, c))
			for _, out := range c.ComplexOutputs() {
				b.emit(lang.Copy(out.Internal.NodeSocket("data"), res.NodeSocket(out.Name)))
			}
		} else {
			if l.kind == LayerFx {
				for _, in := range l.op.Inputs() {
					channel := l.inputSockets[in.Name]
					bg, ok := front[channel]
					if !ok {
						logger().Warn("graph: fx layer misses channel underneath",
							"layer", l.name, "channel", channel.String())
						continue
					}
					b.use(bg.SocketNode())
					b.emit(lang.Move(bg, res.NodeSocket(in.Name)))
				}
			}
			b.emit(lang.Execute(res, l.op.Atomic()))
		}
		if outs := l.op.Outputs(); len(outs) > 0 {
			b.emit(lang.Thumbnail(res.NodeSocket(outs[0].Name)))
		}

		if !s.linearizeMasks(l, b) {
			return nil
		}

		for _, channel := range lang.MaterialChannels {
			socket, mapped := l.outputSockets[channel]
			if !mapped || !l.channels[channel] {
				continue
			}

			if bg, ok := front[channel]; ok {
				blendRes := s.BlendResource(l, channel)
				b.beginVisit(blendRes)
				b.use(res)
				b.use(bg.SocketNode())
				b.emit(lang.Move(bg, blendRes.NodeSocket("background")))
				b.emit(lang.Move(res.NodeSocket(socket), blendRes.NodeSocket("foreground")))
				if mask, ok := s.topMask(l); ok {
					b.use(mask.SocketNode())
					b.emit(lang.Move(mask, blendRes.NodeSocket("mask")))
				}
				b.emit(lang.Execute(blendRes, l.blendOperator()))
				front[channel] = blendRes.NodeSocket("color")
			} else {
				front[channel] = res.NodeSocket(socket)
			}
		}
	}

	// Close out every channel with at least one writer.
	for _, channel := range lang.MaterialChannels {
		b.step++
		socket, ok := front[channel]
		if !ok {
			continue
		}
		output := s.OutputResource(channel)
		b.use(socket.SocketNode())
		b.emit(lang.Move(socket, output.NodeSocket("data")))
		b.emit(lang.Execute(output, &lang.Output{OutputType: channel}))
	}

	forced := append([]lang.Resource(nil), s.forcePoints...)
	return b.build(forced)
}
