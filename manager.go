// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package texgraph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/texgraph/compute"
	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/graph"
	"github.com/gogpu/texgraph/lang"
)

var (
	// ErrNoRoot is returned when an interpretation is requested before a
	// root graph has been chosen.
	ErrNoRoot = errors.New("texgraph: no root graph")

	// ErrUnknownGraph is returned for operations on a graph resource the
	// manager has never seen.
	ErrUnknownGraph = errors.New("texgraph: unknown graph")

	// ErrIncompleteGraph is returned when the root graph cannot be
	// linearized because a mandatory input is unconnected.
	ErrIncompleteGraph = errors.New("texgraph: mandatory input unconnected")
)

// graphSource is one registered graph or layer stack. Exactly one of
// the two fields is set.
type graphSource struct {
	graph *graph.NodeGraph
	stack *graph.LayerStack
}

func (s graphSource) linearize(mode graph.LinearizationMode) *lang.Program {
	if s.stack != nil {
		return s.stack.Linearize()
	}
	return s.graph.Linearize(mode)
}

// ComputeManager ties the pieces of the pipeline together: it owns the
// device, the socket registry, the compiled shader library, the
// external image store and the program arena, and hands out
// interpretations over them. Graph editing stays with the caller; the
// manager only needs to be told which graphs exist and when their
// structure changed.
//
// Methods are safe for concurrent use, but an Interpreter obtained from
// NewInterpretation must be driven from a single goroutine.
type ComputeManager struct {
	mu   sync.Mutex
	dev  gpu.Device
	reg  *compute.Registry
	lib  *compute.ShaderLibrary
	ext  *compute.ExternalStore
	opts Options

	sources  map[lang.Resource]graphSource
	programs map[lang.Resource]*lang.Program
	root     lang.Resource
	view     lang.Resource
	exports  map[lang.Resource]compute.ExportSpec
}

// NewComputeManager compiles the operator shaders on dev and returns a
// manager ready to accept graphs. The manager takes ownership of dev;
// Close releases it.
func NewComputeManager(dev gpu.Device, opts Options) (*ComputeManager, error) {
	def := DefaultOptions()
	if opts.ParentSize <= 0 {
		opts.ParentSize = def.ParentSize
	}
	if opts.StackLimit <= 0 {
		opts.StackLimit = def.StackLimit
	}
	if opts.ImageRoot == "" {
		opts.ImageRoot = def.ImageRoot
	}
	lib := compute.DefaultLibrary()
	if err := lib.Register(dev); err != nil {
		return nil, fmt.Errorf("registering shaders: %w", err)
	}
	return &ComputeManager{
		dev:      dev,
		reg:      compute.NewRegistry(dev),
		lib:      lib,
		ext:      compute.NewExternalStore(opts.ImageRoot),
		opts:     opts,
		sources:  make(map[lang.Resource]graphSource),
		programs: make(map[lang.Resource]*lang.Program),
		exports:  make(map[lang.Resource]compute.ExportSpec),
	}, nil
}

// Registry exposes the socket registry, for inspecting cached outputs
// and thumbnails.
func (m *ComputeManager) Registry() *compute.Registry { return m.reg }

// Images exposes the external image store, for registering in-memory
// pixel data ahead of interpretation.
func (m *ComputeManager) Images() *compute.ExternalStore { return m.ext }

// AddGraph registers a node graph. The first graph registered becomes
// the root.
func (m *ComputeManager) AddGraph(g *graph.NodeGraph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addSource(g.Resource(), graphSource{graph: g})
}

// AddLayerStack registers a layer stack. The first graph registered
// becomes the root.
func (m *ComputeManager) AddLayerStack(s *graph.LayerStack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addSource(s.Resource(), graphSource{stack: s})
}

func (m *ComputeManager) addSource(res lang.Resource, s graphSource) {
	m.sources[res] = s
	if m.root.IsZero() {
		m.root = res
	}
}

// RemoveGraph drops a graph and its program from the arena. Cached
// images of its nodes stay in the registry until RemoveNode is called
// for them.
func (m *ComputeManager) RemoveGraph(res lang.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, res)
	delete(m.programs, res)
	if m.root == res {
		m.root = lang.Resource{}
	}
}

// SetRoot selects the graph whose program drives interpretations.
func (m *ComputeManager) SetRoot(res lang.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[res]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGraph, res)
	}
	m.root = res
	return nil
}

// SetViewSocket pins one output socket for live preview. Interpretations
// emit a SocketViewReady event whenever its image has fresh content.
// A zero resource clears the pin.
func (m *ComputeManager) SetViewSocket(socket lang.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view = socket
}

// SetExport schedules an on-disk export for an Output node. The write
// happens at the end of every interpretation that recomputes the node.
func (m *ComputeManager) SetExport(node lang.Resource, spec compute.ExportSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[node] = spec
}

// ClearExport removes a scheduled export.
func (m *ComputeManager) ClearExport(node lang.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exports, node)
}

// RemoveNode releases the cached images and thumbnail of a node that
// was removed from its graph.
func (m *ComputeManager) RemoveNode(node lang.Resource) {
	m.reg.RemoveNode(node)
}

// ApplyEvents reconciles the registry with structural edits reported by
// graph.Connect, Disconnect, RemoveNode and ResizeNode. Call it with
// every event slice those methods return.
func (m *ComputeManager) ApplyEvents(events []graph.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case graph.NodeResized:
			m.reg.ResizeNode(e.Node, e.Size)
		case graph.SocketMonomorphized:
			m.reg.SetForce(e.Socket.SocketNode())
		case graph.SocketDemonomorphized:
			m.reg.SetForce(e.Socket.SocketNode())
		case graph.SocketsDisconnected:
			m.reg.SetForce(e.To.SocketNode())
		}
	}
}

// Relinearize rebuilds the program arena from the registered graphs.
// Call it after any batch of structural edits, before the next
// interpretation. Graphs with unconnected mandatory inputs drop out of
// the arena; if the root is among them Relinearize fails.
func (m *ComputeManager) Relinearize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relinearizeLocked()
}

func (m *ComputeManager) relinearizeLocked() error {
	if m.root.IsZero() {
		return ErrNoRoot
	}
	for res, src := range m.sources {
		p := src.linearize(m.opts.Mode)
		if p == nil {
			delete(m.programs, res)
			if res == m.root {
				return fmt.Errorf("%w: %s", ErrIncompleteGraph, res)
			}
			continue
		}
		m.programs[res] = p
		// Force points ride on the program now; a later relinearize
		// must not resurrect them.
		if src.stack != nil {
			src.stack.ClearForcePoints()
		}
	}
	return nil
}

// NewInterpretation starts an interpretation of the current arena. The
// arena is built on first use; callers that edited graphs since the
// last interpretation must Relinearize first.
func (m *ComputeManager) NewInterpretation() (*compute.Interpreter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root.IsZero() {
		return nil, ErrNoRoot
	}
	if m.programs[m.root] == nil {
		if err := m.relinearizeLocked(); err != nil {
			return nil, err
		}
	}
	programs := make(map[lang.Resource]*lang.Program, len(m.programs))
	for res, p := range m.programs {
		programs[res] = p
	}
	exports := make(map[lang.Resource]compute.ExportSpec, len(m.exports))
	for node, spec := range m.exports {
		exports[node] = spec
	}
	return compute.NewInterpreter(m.dev, m.reg, m.lib, m.ext, compute.Config{
		Programs:   programs,
		Root:       m.root,
		RootSize:   m.opts.ParentSize,
		StackLimit: m.opts.StackLimit,
		ViewSocket: m.view,
		Exports:    exports,
	})
}

// Recompute relinearizes, runs one full interpretation and returns its
// events.
func (m *ComputeManager) Recompute() ([]compute.Event, error) {
	if err := m.Relinearize(); err != nil {
		return nil, err
	}
	interp, err := m.NewInterpretation()
	if err != nil {
		return nil, err
	}
	return interp.Run()
}

// Close releases every cached image and thumbnail and closes the
// device. The manager must not be used afterwards.
func (m *ComputeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg.Clear()
	m.dev.Close()
}
