// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compute executes compiled programs against a GPU device: it
// owns the per-node output cache, the operator shader library, and the
// resumable interpreter with its memory reclamation.
package compute

import (
	"time"

	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

// timingDecay is the weight kept from the previous execution time
// average when folding in a new sample.
const timingDecay = 0.85

// outputSlot is one cached output image with its update sequence.
type outputSlot struct {
	image   *gpu.Image
	ty      lang.ImageType
	updated uint64
}

// nodeGroup is the cache entry of one node: its output images, input
// bindings, change-detection hash and diagnostics.
type nodeGroup struct {
	outputs map[string]*outputSlot
	inputs  map[string]lang.Resource
	size    int

	lastHash uint64
	hasHash  bool

	thumbnail    *gpu.Thumbnail
	thumbUpdated uint64

	// outputSeen is the interpretation sequence at which an Output
	// node's data was last surfaced to consumers.
	outputSeen uint64

	avgTime time.Duration
}

// Registry is the output cache and socket table shared by successive
// interpretations. It owns every compute image on the device and the
// monotonic update sequence the skip checks compare against.
type Registry struct {
	dev    gpu.Device
	groups map[lang.Resource]*nodeGroup
	forced map[lang.Resource]bool
	seq    uint64
}

// NewRegistry creates an empty registry over the given device.
func NewRegistry(dev gpu.Device) *Registry {
	return &Registry{
		dev:    dev,
		groups: make(map[lang.Resource]*nodeGroup),
		forced: make(map[lang.Resource]bool),
	}
}

// Seq returns the current global update sequence.
func (r *Registry) Seq() uint64 { return r.seq }

// BumpSeq advances the global sequence for a new interpretation.
func (r *Registry) BumpSeq() uint64 {
	r.seq++
	return r.seq
}

// EnsureNode creates the cache entry of a node if absent and returns
// its current size.
func (r *Registry) EnsureNode(node lang.Resource, size int) int {
	g, ok := r.groups[node]
	if !ok {
		g = &nodeGroup{
			outputs: make(map[string]*outputSlot),
			inputs:  make(map[string]lang.Resource),
			size:    lang.ClampImageSize(size),
		}
		r.groups[node] = g
	}
	return g.size
}

// NodeSize returns a node's current output size, or 0 if unknown.
func (r *Registry) NodeSize(node lang.Resource) int {
	if g := r.groups[node]; g != nil {
		return g.size
	}
	return 0
}

// ResizeNode changes a node's output size. Backing images are freed and
// recreated at the new size, and the node is force-marked since its
// cached contents are gone.
func (r *Registry) ResizeNode(node lang.Resource, size int) bool {
	g := r.groups[node]
	size = lang.ClampImageSize(size)
	if g == nil || g.size == size {
		return false
	}
	g.size = size
	for _, slot := range g.outputs {
		r.dev.FreeImage(slot.image)
		slot.image = r.dev.CreateImage(size, slot.ty)
		slot.updated = 0
	}
	r.forced[node] = true
	logger().Debug("compute: node resized", "node", node.String(), "size", size)
	return true
}

// EnsureOutput creates an output image slot if absent and returns it.
// The image starts unbacked; callers allocate before writing.
func (r *Registry) EnsureOutput(socket lang.Resource, ty lang.ImageType) *gpu.Image {
	node := socket.SocketNode()
	g, ok := r.groups[node]
	if !ok {
		r.EnsureNode(node, lang.MinImageSize)
		g = r.groups[node]
	}
	slot, ok := g.outputs[socket.Fragment()]
	if !ok || slot.ty != ty {
		if ok {
			r.dev.FreeImage(slot.image)
		}
		slot = &outputSlot{image: r.dev.CreateImage(g.size, ty), ty: ty}
		g.outputs[socket.Fragment()] = slot
	}
	return slot.image
}

// RemoveNode drops a node's cache entry and frees its device resources.
func (r *Registry) RemoveNode(node lang.Resource) {
	g, ok := r.groups[node]
	if !ok {
		return
	}
	for _, slot := range g.outputs {
		r.dev.FreeImage(slot.image)
	}
	if g.thumbnail != nil {
		r.dev.ReturnThumbnail(g.thumbnail)
	}
	delete(r.groups, node)
	delete(r.forced, node)
}

// Clear drops every cache entry.
func (r *Registry) Clear() {
	for node := range r.groups {
		r.RemoveNode(node)
	}
}

// OutputImage returns the image backing an output socket.
func (r *Registry) OutputImage(socket lang.Resource) (*gpu.Image, bool) {
	g := r.groups[socket.SocketNode()]
	if g == nil {
		return nil, false
	}
	slot, ok := g.outputs[socket.Fragment()]
	if !ok {
		return nil, false
	}
	return slot.image, true
}

// BindInput records that an input socket reads from the given output
// socket. Rebinding is free; no pixel data moves.
func (r *Registry) BindInput(input, output lang.Resource) {
	node := input.SocketNode()
	g, ok := r.groups[node]
	if !ok {
		r.EnsureNode(node, lang.MinImageSize)
		g = r.groups[node]
	}
	g.inputs[input.Fragment()] = output
}

// InputSource returns the output socket an input socket is bound to.
func (r *Registry) InputSource(input lang.Resource) (lang.Resource, bool) {
	g := r.groups[input.SocketNode()]
	if g == nil {
		return lang.Resource{}, false
	}
	src, ok := g.inputs[input.Fragment()]
	return src, ok
}

// InputImage resolves an input socket to the image of its bound output.
func (r *Registry) InputImage(input lang.Resource) (*gpu.Image, bool) {
	src, ok := r.InputSource(input)
	if !ok {
		return nil, false
	}
	return r.OutputImage(src)
}

// OutputUpdated returns the update sequence of an output socket.
func (r *Registry) OutputUpdated(socket lang.Resource) uint64 {
	g := r.groups[socket.SocketNode()]
	if g == nil {
		return 0
	}
	if slot, ok := g.outputs[socket.Fragment()]; ok {
		return slot.updated
	}
	return 0
}

// SetOutputUpdated stamps an output socket with an update sequence.
func (r *Registry) SetOutputUpdated(socket lang.Resource, seq uint64) {
	g := r.groups[socket.SocketNode()]
	if g == nil {
		return
	}
	if slot, ok := g.outputs[socket.Fragment()]; ok {
		slot.updated = seq
	}
}

// AnyOutputUpdated returns the highest update sequence among a node's
// outputs.
func (r *Registry) AnyOutputUpdated(node lang.Resource) uint64 {
	g := r.groups[node]
	if g == nil {
		return 0
	}
	var max uint64
	for _, slot := range g.outputs {
		if slot.updated > max {
			max = slot.updated
		}
	}
	return max
}

// SetAllOutputsUpdated stamps every output of a node.
func (r *Registry) SetAllOutputsUpdated(node lang.Resource, seq uint64) {
	g := r.groups[node]
	if g == nil {
		return
	}
	for _, slot := range g.outputs {
		slot.updated = seq
	}
}

// InputUpdated returns the update sequence of the output an input
// socket is bound to.
func (r *Registry) InputUpdated(input lang.Resource) uint64 {
	src, ok := r.InputSource(input)
	if !ok {
		return 0
	}
	return r.OutputUpdated(src)
}

// LastHash returns the parameter hash recorded at the node's last
// execution.
func (r *Registry) LastHash(node lang.Resource) (uint64, bool) {
	g := r.groups[node]
	if g == nil || !g.hasHash {
		return 0, false
	}
	return g.lastHash, true
}

// SetLastHash records the parameter hash of the latest execution.
func (r *Registry) SetLastHash(node lang.Resource, hash uint64) {
	if g := r.groups[node]; g != nil {
		g.lastHash = hash
		g.hasHash = true
	}
}

// SetForce marks a node for unconditional recomputation on its next
// execution.
func (r *Registry) SetForce(node lang.Resource) {
	r.forced[node] = true
}

// ConsumeForce reads and clears a node's one-shot force flag.
func (r *Registry) ConsumeForce(node lang.Resource) bool {
	if r.forced[node] {
		delete(r.forced, node)
		return true
	}
	return false
}

// OutputSeen returns the sequence at which an Output node's data was
// last surfaced.
func (r *Registry) OutputSeen(node lang.Resource) uint64 {
	if g := r.groups[node]; g != nil {
		return g.outputSeen
	}
	return 0
}

// SetOutputSeen stamps an Output node as surfaced.
func (r *Registry) SetOutputSeen(node lang.Resource, seq uint64) {
	if g := r.groups[node]; g != nil {
		g.outputSeen = seq
	}
}

// EnsureThumbnail returns the node's preview slot, allocating one if
// absent. Reports whether the slot was newly created.
func (r *Registry) EnsureThumbnail(node lang.Resource) (*gpu.Thumbnail, bool, error) {
	g := r.groups[node]
	if g == nil {
		r.EnsureNode(node, lang.MinImageSize)
		g = r.groups[node]
	}
	if g.thumbnail != nil {
		return g.thumbnail, false, nil
	}
	thumb, err := r.dev.CreateThumbnail()
	if err != nil {
		return nil, false, err
	}
	g.thumbnail = thumb
	return thumb, true, nil
}

// ThumbnailUpdated returns the sequence of the last preview render.
func (r *Registry) ThumbnailUpdated(node lang.Resource) uint64 {
	if g := r.groups[node]; g != nil {
		return g.thumbUpdated
	}
	return 0
}

// SetThumbnailUpdated stamps the preview of a node.
func (r *Registry) SetThumbnailUpdated(node lang.Resource, seq uint64) {
	if g := r.groups[node]; g != nil {
		g.thumbUpdated = seq
	}
}

// UpdateTiming folds an execution time sample into the node's moving
// average. Diagnostics only.
func (r *Registry) UpdateTiming(node lang.Resource, elapsed time.Duration) {
	g := r.groups[node]
	if g == nil {
		return
	}
	if g.avgTime == 0 {
		g.avgTime = elapsed
		return
	}
	g.avgTime = time.Duration(float64(g.avgTime)*timingDecay + float64(elapsed)*(1-timingDecay))
}

// AverageTime returns the node's execution time moving average.
func (r *Registry) AverageTime(node lang.Resource) time.Duration {
	if g := r.groups[node]; g != nil {
		return g.avgTime
	}
	return 0
}

// FreeUnretained frees the backing images of every node outside the
// retained set and force-marks the freed nodes so their next use
// recomputes. Thumbnails survive reclamation. Returns the number of
// nodes reclaimed.
func (r *Registry) FreeUnretained(retained map[lang.Resource]bool) int {
	freed := 0
	for node, g := range r.groups {
		if retained[node] {
			continue
		}
		any := false
		for _, slot := range g.outputs {
			if slot.image.Backed() {
				r.dev.FreeImage(slot.image)
				slot.updated = 0
				any = true
			}
		}
		if any {
			r.forced[node] = true
			freed++
		}
	}
	logger().Debug("compute: memory reclaimed", "nodes", freed)
	return freed
}
