// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/gogpu/texgraph/lang"
)

// RasterizeSvg renders an SVG resource at the given square size and
// returns linear RGBA16F pixel data. Unlike bitmap images, SVG output
// depends on the node size, so results are not cached; the node level
// hash check already prevents redundant rasterization.
func (s *ExternalStore) RasterizeSvg(res lang.Resource, size int) ([]byte, error) {
	path := filepath.Join(s.root, filepath.FromSlash(res.Path()))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExternalImage, res, err)
	}
	defer f.Close()

	icon, err := oksvg.ReadIconStream(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExternalImage, res, err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	scanner := rasterx.NewScannerGV(size, size, rgba, rgba.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	return resampleRGBA16F(rgba, size, lang.ColorSpaceSRGB), nil
}
