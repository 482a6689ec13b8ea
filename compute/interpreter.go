// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

// Interpretation errors. ErrHardOOM is the only error expected in
// normal operation: it reports that the working set cannot fit the
// device budget even after reclaiming every unretained image.
var (
	ErrHardOOM      = errors.New("compute: out of memory after reclamation")
	ErrUnknownCall  = errors.New("compute: call targets an unknown program")
	ErrRecursion    = errors.New("compute: recursive subgraph call")
	ErrStackLimit   = errors.New("compute: call stack limit exceeded")
	ErrUnboundInput = errors.New("compute: input socket not bound")
)

// DefaultStackLimit bounds the call stack depth of one interpretation.
const DefaultStackLimit = 256

// frame is one program activation on the interpreter stack.
type frame struct {
	program *lang.Program
	graph   lang.Resource

	// queue holds the instructions left to run. Called frames drop the
	// call-skippable instructions up front.
	queue []lang.Instruction

	// subs are the caller's parameter overrides, grouped by node.
	subs map[lang.Resource][]lang.ParamSubstitution

	// caller is the invoking call node, zero for the root frame.
	caller lang.Resource

	size  int
	step  int
	start time.Time
}

// Config assembles an interpretation.
type Config struct {
	// Programs is the program arena: every graph the root program can
	// reach through calls, keyed by graph resource.
	Programs map[lang.Resource]*lang.Program

	// Root is the graph whose program drives the interpretation.
	Root lang.Resource

	// RootSize is the fallback node size for nodes first seen in this
	// interpretation.
	RootSize int

	// StackLimit overrides DefaultStackLimit when positive.
	StackLimit int

	// ViewSocket pins one output socket for live preview events.
	ViewSocket lang.Resource

	// Exports maps Output nodes to on-disk export destinations.
	Exports map[lang.Resource]ExportSpec
}

// Interpreter runs one interpretation of a program arena to completion,
// one instruction per Next call. It is resumable: callers interleave
// stepping with UI work and abandon the interpreter at any instruction
// boundary, leaving the registry consistent for the next one.
type Interpreter struct {
	dev gpu.Device
	reg *Registry
	lib *ShaderLibrary
	ext *ExternalStore

	programs map[lang.Resource]*lang.Program
	exports  map[lang.Resource]ExportSpec

	stack      []*frame
	stackLimit int
	seq        uint64

	viewSocket lang.Resource
	viewSeq    uint64
}

// NewInterpreter starts an interpretation. Force points carried by the
// root program are consumed here, before the first step runs.
func NewInterpreter(dev gpu.Device, reg *Registry, lib *ShaderLibrary, ext *ExternalStore, cfg Config) (*Interpreter, error) {
	root := cfg.Programs[cfg.Root]
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, cfg.Root)
	}
	limit := cfg.StackLimit
	if limit <= 0 {
		limit = DefaultStackLimit
	}
	i := &Interpreter{
		dev:        dev,
		reg:        reg,
		lib:        lib,
		ext:        ext,
		programs:   cfg.Programs,
		exports:    cfg.Exports,
		stackLimit: limit,
		seq:        reg.BumpSeq(),
		viewSocket: cfg.ViewSocket,
	}
	i.viewSeq = i.seq
	for _, node := range root.Forced() {
		reg.SetForce(node)
	}
	if !root.Empty() {
		i.stack = append(i.stack, &frame{
			program: root,
			graph:   cfg.Root,
			queue:   root.Instructions(),
			size:    cfg.RootSize,
			start:   time.Now(),
		})
	}
	return i, nil
}

// Next runs one instruction. It returns the events the step produced
// and whether the interpretation is complete. A non-nil error ends the
// interpretation; the registry stays consistent either way.
func (i *Interpreter) Next() ([]Event, bool, error) {
	if len(i.stack) == 0 {
		return nil, true, nil
	}
	f := i.stack[len(i.stack)-1]
	if len(f.queue) == 0 {
		i.popFrame()
		return nil, len(i.stack) == 0, nil
	}

	ins := f.queue[0]
	f.queue = f.queue[1:]

	events, err := i.execute(f, ins)
	if errors.Is(err, gpu.ErrOutOfMemory) {
		i.reclaim()
		// The failed attempt consumed the target's force flag before it
		// hit the allocation; restore it so the retry cannot skip.
		switch {
		case !ins.Node.IsZero():
			i.reg.SetForce(ins.Node)
		case ins.Kind == lang.InstructionCopy:
			i.reg.SetForce(ins.To.SocketNode())
		}
		events, err = i.execute(f, ins)
		if errors.Is(err, gpu.ErrOutOfMemory) {
			return nil, false, fmt.Errorf("%w: %s", ErrHardOOM, ins)
		}
	}
	if err != nil {
		return events, false, err
	}

	if ins.IsExecutionStep() {
		f.step++
	}
	if len(f.queue) == 0 && i.stack[len(i.stack)-1] == f {
		i.popFrame()
	}
	return events, len(i.stack) == 0, nil
}

// Done reports whether the interpretation has run out of work.
func (i *Interpreter) Done() bool { return len(i.stack) == 0 }

// Run steps the interpretation to completion and returns every event.
func (i *Interpreter) Run() ([]Event, error) {
	var all []Event
	for {
		events, done, err := i.Next()
		all = append(all, events...)
		if err != nil || done {
			return all, err
		}
	}
}

func (i *Interpreter) popFrame() {
	f := i.stack[len(i.stack)-1]
	i.stack = i.stack[:len(i.stack)-1]
	if !f.caller.IsZero() {
		i.reg.UpdateTiming(f.caller, time.Since(f.start))
	}
}

// reclaim frees every image outside the union of the stacked frames'
// retention windows. Freed nodes are force-marked and recompute on
// their next use.
func (i *Interpreter) reclaim() {
	retained := make(map[lang.Resource]bool)
	for _, f := range i.stack {
		for node := range f.program.RetentionAt(f.step) {
			retained[node] = true
		}
	}
	i.reg.FreeUnretained(retained)
}

func (i *Interpreter) execute(f *frame, ins lang.Instruction) ([]Event, error) {
	var events []Event
	var err error
	switch ins.Kind {
	case lang.InstructionMove:
		i.reg.BindInput(ins.To, ins.From)
	case lang.InstructionCopy:
		err = i.executeCopy(ins)
		events = i.viewEvents(ins.To, events)
	case lang.InstructionCall:
		err = i.executeCall(f, ins)
	case lang.InstructionThumbnail:
		events, err = i.executeThumbnail(ins, events)
	case lang.InstructionExecute:
		switch op := ins.Atomic.(type) {
		case *lang.Output:
			events, err = i.executeOutput(f, ins.Node, op, events)
		case *lang.Input:
			err = i.executeInput(f, ins.Node, op)
		case *lang.Image:
			err = i.executeImage(f, ins.Node, op)
		case *lang.Svg:
			err = i.executeSvg(f, ins.Node, op)
		default:
			err = i.executeAtomic(f, ins.Node, op)
		}
		if err == nil {
			for _, out := range ins.Atomic.Outputs() {
				events = i.viewEvents(ins.Node.NodeSocket(out.Name), events)
			}
		}
	}
	return events, err
}

// substituted returns the operator with the frame's parameter overrides
// applied, cloning only when overrides exist.
func (f *frame) substituted(node lang.Resource, op lang.AtomicOperator) lang.AtomicOperator {
	subs := f.subs[node]
	if len(subs) == 0 {
		return op
	}
	clone := op.CloneAtomic()
	for _, s := range subs {
		if err := s.ApplyAtomic(clone); err != nil {
			logger().Warn("compute: substitution failed",
				"parameter", s.Resource.String(), "error", err)
		}
	}
	return clone
}

// inputsUpdated reports whether any bound input carries data newer than
// the node's own outputs.
func (i *Interpreter) inputsUpdated(node lang.Resource, inputs []lang.InputSocket, opSeq uint64) bool {
	for _, in := range inputs {
		if i.reg.InputUpdated(node.NodeSocket(in.Name)) > opSeq {
			return true
		}
	}
	return false
}

// resolveOutputType picks the concrete pixel type of a node's outputs,
// resolving polymorphic operators through their bound inputs.
func (i *Interpreter) resolveOutputType(node lang.Resource, op lang.AtomicOperator) lang.ImageType {
	for _, out := range op.Outputs() {
		if !out.Type.IsPolymorphic() {
			return out.Type.Image()
		}
	}
	for _, in := range op.Inputs() {
		if !in.Type.IsPolymorphic() {
			continue
		}
		if img, ok := i.reg.InputImage(node.NodeSocket(in.Name)); ok {
			return img.ImageType()
		}
	}
	return lang.ImageTypeGrayscale
}

func (i *Interpreter) executeAtomic(f *frame, node lang.Resource, op lang.AtomicOperator) error {
	op = f.substituted(node, op)
	size := i.reg.EnsureNode(node, f.size)

	hash := op.ParamHash()
	opSeq := i.reg.AnyOutputUpdated(node)
	stale := i.inputsUpdated(node, op.Inputs(), opSeq)
	force := i.reg.ConsumeForce(node)
	if last, ok := i.reg.LastHash(node); ok && last == hash && !stale && !force {
		return nil
	}

	hasMask := false
	if _, ok := i.reg.InputImage(node.NodeSocket("mask")); ok {
		hasMask = true
	}
	outType := i.resolveOutputType(node, op)
	shader, err := i.lib.ShaderFor(op.OpName(), outType, hasMask)
	if err != nil {
		return err
	}

	bindings := make([]gpu.Binding, 0, len(shader.Bindings))
	var scratch []*gpu.Buffer
	defer func() {
		for _, buf := range scratch {
			i.dev.FreeBuffer(buf)
		}
	}()
	for _, b := range shader.Bindings {
		switch b.Kind {
		case gpu.BindUniforms:
			if err := i.dev.FillUniforms(op.Uniforms()); err != nil {
				return err
			}
			bindings = append(bindings, gpu.Binding{Binding: b.Binding, Kind: b.Kind})
		case gpu.BindImage:
			img, ok := i.reg.InputImage(node.NodeSocket(b.Socket))
			if !ok || !img.Backed() {
				return fmt.Errorf("%w: %s", ErrUnboundInput, node.NodeSocket(b.Socket))
			}
			bindings = append(bindings, gpu.Binding{Binding: b.Binding, Kind: b.Kind, Image: img})
		case gpu.BindOutputImage:
			img := i.reg.EnsureOutput(node.NodeSocket(b.Socket), b.ImageType)
			if err := i.dev.EnsureAllocated(img); err != nil {
				return err
			}
			bindings = append(bindings, gpu.Binding{Binding: b.Binding, Kind: b.Kind, Image: img})
		case gpu.BindBuffer:
			data := b.BufferData(op)
			buf, err := i.dev.CreateBuffer(len(data))
			if err != nil {
				return err
			}
			scratch = append(scratch, buf)
			if err := i.dev.UploadBuffer(buf, data); err != nil {
				return err
			}
			bindings = append(bindings, gpu.Binding{Binding: b.Binding, Kind: b.Kind, Buffer: buf})
		}
	}

	started := time.Now()
	if err := i.dev.Dispatch(shader.Name, size, bindings); err != nil {
		return err
	}
	i.reg.UpdateTiming(node, time.Since(started))
	i.reg.SetLastHash(node, hash)
	i.reg.SetAllOutputsUpdated(node, i.seq)
	return nil
}

func (i *Interpreter) executeCall(f *frame, ins lang.Instruction) error {
	node := ins.Node
	op := ins.Call.Clone()
	for _, s := range f.subs[node] {
		if err := s.Apply(lang.ComplexOp(&op)); err != nil {
			logger().Warn("compute: substitution failed",
				"parameter", s.Resource.String(), "error", err)
		}
	}

	size := i.reg.EnsureNode(node, f.size)
	hash := op.ParamHash()
	opSeq := i.reg.AnyOutputUpdated(node)
	stale := i.inputsUpdated(node, op.Inputs(), opSeq)
	force := i.reg.ConsumeForce(node)

	if last, ok := i.reg.LastHash(node); ok && last == hash && !stale && !force {
		// The call is current; restamp its outputs without running the
		// subgraph so downstream staleness checks still see changes
		// that happened inside the callee. The internal Output nodes'
		// data inputs carry the callee's last write stamps.
		var innerSeq uint64
		for _, out := range op.ComplexOutputs() {
			if s := i.reg.InputUpdated(out.Internal.NodeSocket("data")); s > innerSeq {
				innerSeq = s
			}
		}
		i.reg.SetAllOutputsUpdated(node, min(i.seq, innerSeq))
		return nil
	}

	program := i.programs[op.Graph]
	if program == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, op.Graph)
	}
	for _, active := range i.stack {
		if active.graph == op.Graph {
			return fmt.Errorf("%w: %s", ErrRecursion, op.Graph)
		}
	}
	if len(i.stack) >= i.stackLimit {
		return fmt.Errorf("%w: depth %d", ErrStackLimit, len(i.stack))
	}

	// Allocate the call's outputs up front so the copy-backs cannot
	// fail after the subgraph has already run.
	for _, out := range op.ComplexOutputs() {
		img := i.reg.EnsureOutput(node.NodeSocket(out.Name), out.Type.Image())
		if err := i.dev.EnsureAllocated(img); err != nil {
			return err
		}
	}

	queue := make([]lang.Instruction, 0, len(program.Instructions()))
	for _, callee := range program.Instructions() {
		if callee.CallSkippable() {
			continue
		}
		queue = append(queue, callee)
	}
	i.reg.SetLastHash(node, hash)
	if len(queue) == 0 {
		return nil
	}

	subs := make(map[lang.Resource][]lang.ParamSubstitution)
	for _, s := range op.Substitutions() {
		subs[s.Node()] = append(subs[s.Node()], s)
	}
	i.stack = append(i.stack, &frame{
		program: program,
		graph:   op.Graph,
		queue:   queue,
		subs:    subs,
		caller:  node,
		size:    size,
		start:   time.Now(),
	})
	i.seq = i.reg.BumpSeq()
	return nil
}

func (i *Interpreter) executeCopy(ins lang.Instruction) error {
	fromSeq := i.reg.OutputUpdated(ins.From)
	src, ok := i.reg.OutputImage(ins.From)
	if !ok {
		src, ok = i.reg.InputImage(ins.From)
		fromSeq = i.reg.InputUpdated(ins.From)
	}
	if !ok || !src.Backed() {
		return fmt.Errorf("%w: %s", ErrUnboundInput, ins.From)
	}

	force := i.reg.ConsumeForce(ins.To.SocketNode())
	if i.reg.OutputUpdated(ins.To) >= fromSeq && !force {
		return nil
	}

	i.reg.EnsureNode(ins.To.SocketNode(), src.Size())
	dst := i.reg.EnsureOutput(ins.To, src.ImageType())
	if err := i.dev.EnsureAllocated(dst); err != nil {
		return err
	}
	if err := i.dev.CopyImage(src, dst); err != nil {
		return err
	}
	i.reg.SetOutputUpdated(ins.To, i.seq)
	return nil
}

func (i *Interpreter) executeInput(f *frame, node lang.Resource, op *lang.Input) error {
	i.reg.EnsureNode(node, f.size)
	img := i.reg.EnsureOutput(node.NodeSocket("data"), op.InputType)
	return i.dev.EnsureAllocated(img)
}

func (i *Interpreter) executeImage(f *frame, node lang.Resource, op *lang.Image) error {
	sub, _ := f.substituted(node, op).(*lang.Image)
	if sub != nil {
		op = sub
	}

	hash := op.ParamHash()
	force := i.reg.ConsumeForce(node)
	needs := i.ext.NeedsLoading(op.Image, op.ColorSpace)
	if last, ok := i.reg.LastHash(node); ok && last == hash && !force && !needs {
		return nil
	}

	pixels, side, err := i.ext.Load(op.Image, op.ColorSpace)
	if err != nil {
		return err
	}
	i.reg.EnsureNode(node, side)
	i.reg.ResizeNode(node, side)
	i.reg.ConsumeForce(node)

	img := i.reg.EnsureOutput(node.NodeSocket("image"), lang.ImageTypeRGB)
	if err := i.dev.EnsureAllocated(img); err != nil {
		return err
	}
	if err := i.dev.UploadImage(img, pixels); err != nil {
		return err
	}
	i.reg.SetLastHash(node, hash)
	i.reg.SetAllOutputsUpdated(node, i.seq)
	return nil
}

func (i *Interpreter) executeSvg(f *frame, node lang.Resource, op *lang.Svg) error {
	sub, _ := f.substituted(node, op).(*lang.Svg)
	if sub != nil {
		op = sub
	}

	size := i.reg.EnsureNode(node, f.size)
	hash := op.ParamHash()
	force := i.reg.ConsumeForce(node)
	if last, ok := i.reg.LastHash(node); ok && last == hash && !force {
		return nil
	}

	pixels, err := i.ext.RasterizeSvg(op.Svg, size)
	if err != nil {
		return err
	}
	img := i.reg.EnsureOutput(node.NodeSocket("image"), lang.ImageTypeRGB)
	if err := i.dev.EnsureAllocated(img); err != nil {
		return err
	}
	if err := i.dev.UploadImage(img, pixels); err != nil {
		return err
	}
	i.reg.SetLastHash(node, hash)
	i.reg.SetAllOutputsUpdated(node, i.seq)
	return nil
}

func (i *Interpreter) executeOutput(f *frame, node lang.Resource, op *lang.Output, events []Event) ([]Event, error) {
	i.reg.EnsureNode(node, f.size)
	inSeq := i.reg.InputUpdated(node.NodeSocket("data"))
	force := i.reg.ConsumeForce(node)
	if inSeq <= i.reg.OutputSeen(node) && !force {
		return events, nil
	}

	img, ok := i.reg.InputImage(node.NodeSocket("data"))
	if !ok || !img.Backed() {
		return events, nil
	}

	thumb, created, err := i.reg.EnsureThumbnail(node)
	if err != nil {
		return events, err
	}
	if created {
		events = append(events, ThumbnailCreated{Node: node, Thumbnail: thumb})
	}
	if err := i.dev.GenerateThumbnail(img, thumb); err != nil {
		return events, err
	}
	i.reg.SetThumbnailUpdated(node, i.seq)
	i.reg.SetOutputSeen(node, i.seq)

	events = append(events, OutputReady{
		Node:       node,
		Image:      img,
		Size:       img.Size(),
		Type:       img.ImageType(),
		OutputType: op.OutputType,
	})
	events = append(events, ThumbnailUpdated{Node: node})

	if spec, ok := i.exports[node]; ok {
		i.exportImage(node, spec, img)
	}
	return events, nil
}

func (i *Interpreter) executeThumbnail(ins lang.Instruction, events []Event) ([]Event, error) {
	node := ins.Socket.SocketNode()
	if i.reg.ThumbnailUpdated(node) >= i.reg.OutputUpdated(ins.Socket) {
		return events, nil
	}
	img, ok := i.reg.OutputImage(ins.Socket)
	if !ok || !img.Backed() {
		return events, nil
	}
	thumb, created, err := i.reg.EnsureThumbnail(node)
	if err != nil {
		return events, err
	}
	if created {
		events = append(events, ThumbnailCreated{Node: node, Thumbnail: thumb})
	}
	if err := i.dev.GenerateThumbnail(img, thumb); err != nil {
		return events, err
	}
	i.reg.SetThumbnailUpdated(node, i.seq)
	return append(events, ThumbnailUpdated{Node: node}), nil
}

// viewEvents emits a live-preview event when the pinned view socket
// just received fresh data.
func (i *Interpreter) viewEvents(socket lang.Resource, events []Event) []Event {
	if i.viewSocket.IsZero() {
		return events
	}
	if socket != i.viewSocket && socket.SocketNode() != i.viewSocket.SocketNode() {
		return events
	}
	updated := i.reg.OutputUpdated(i.viewSocket)
	if updated < i.viewSeq {
		return events
	}
	img, ok := i.reg.OutputImage(i.viewSocket)
	if !ok || !img.Backed() {
		return events
	}
	i.viewSeq = updated + 1
	return append(events, SocketViewReady{
		Socket: i.viewSocket,
		Image:  img,
		Size:   img.Size(),
		Type:   img.ImageType(),
	})
}
