// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package texgraph

import (
	"github.com/gogpu/texgraph/compute"
	"github.com/gogpu/texgraph/graph"
)

// Options configures a ComputeManager.
type Options struct {
	// ParentSize is the default output size in pixels for nodes using
	// parent-relative sizing.
	// Default: 1024
	ParentSize int

	// StackLimit bounds the call depth of one interpretation.
	// Default: compute.DefaultStackLimit
	StackLimit int

	// Mode selects how graphs are linearized. TopoSort executes shared
	// nodes once; FullTraversal re-executes them per path, trading work
	// for a smaller resident set on memory-starved devices.
	// Default: TopoSort
	Mode graph.LinearizationMode

	// ImageRoot is the directory external image and SVG resources are
	// resolved against.
	// Default: current directory
	ImageRoot string
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		ParentSize: 1024,
		StackLimit: compute.DefaultStackLimit,
		Mode:       graph.TopoSort,
		ImageRoot:  ".",
	}
}
