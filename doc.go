// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package texgraph is the execution core of a node-based procedural
// material authoring tool.
//
// A material is described either as a graph of image-processing operators
// or as a stack of layers over the same data. Both forms compile into a
// [lang.Program]: an ordered instruction sequence plus a use window per
// resource describing how long its backing image must stay allocated.
// Programs are transient artifacts, rebuilt on every structural edit and
// never persisted.
//
// The [ComputeManager] owns the derived state around program execution:
// the socket registry (per-node output images, change-detection hashes and
// thumbnails), the shader library, external image sources and export
// specifications. Each call to [ComputeManager.NewInterpretation] yields a
// resumable [compute.Interpreter] that executes one instruction per step
// against a [gpu.Device], skipping work whose inputs and parameters are
// unchanged and reclaiming GPU memory under allocation pressure.
//
// Package layout:
//
//   - lang: resource identity, operators, instructions and programs
//   - graph: node graphs and layer stacks, and their linearization
//   - compute: socket registry, interpreter, external images, export
//   - gpu: the consumed GPU device boundary and its wgpu implementation
//
// texgraph produces no log output by default; see [SetLogger].
package texgraph
