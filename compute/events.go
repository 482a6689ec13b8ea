// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

// Event is a notification produced by one interpreter step. Events
// carry handles and metadata only, never pixel payloads; consumers
// read pixel data through the handle while the device is idle.
type Event interface {
	computeEvent()
}

// OutputReady reports that an Output node's channel image is current.
type OutputReady struct {
	Node       lang.Resource
	Image      *gpu.Image
	Size       int
	Type       lang.ImageType
	OutputType lang.OutputType
}

// ThumbnailCreated reports a newly allocated preview slot for a node.
type ThumbnailCreated struct {
	Node      lang.Resource
	Thumbnail *gpu.Thumbnail
}

// ThumbnailUpdated reports that a node's preview was re-rendered.
type ThumbnailUpdated struct {
	Node lang.Resource
}

// SocketViewReady reports fresh data on the pinned live-preview socket.
type SocketViewReady struct {
	Socket lang.Resource
	Image  *gpu.Image
	Size   int
	Type   lang.ImageType
}

func (OutputReady) computeEvent()      {}
func (ThumbnailCreated) computeEvent() {}
func (ThumbnailUpdated) computeEvent() {}
func (SocketViewReady) computeEvent()  {}
