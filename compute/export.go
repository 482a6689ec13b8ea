// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/lang"
)

// ExportSpec asks the interpreter to write an output node's image to
// disk whenever the node produces fresh data.
type ExportSpec struct {
	// Path is the destination PNG file.
	Path string
}

// exportImage downloads synchronously, then encodes and writes on a
// separate goroutine so interpretation is not blocked by disk IO.
// Encode failures are logged; they never abort interpretation.
func (i *Interpreter) exportImage(node lang.Resource, spec ExportSpec, img *gpu.Image) {
	data, err := i.dev.DownloadImage(img)
	if err != nil {
		logger().Warn("compute: export download failed",
			"node", node.String(), "path", spec.Path, "error", err)
		return
	}
	size := img.Size()
	ty := img.ImageType()
	go func() {
		if err := writePNG(spec.Path, data, size, ty); err != nil {
			logger().Warn("compute: export failed",
				"node", node.String(), "path", spec.Path, "error", err)
			return
		}
		logger().Info("compute: exported", "node", node.String(), "path", spec.Path)
	}()
}

// writePNG converts raw pixel data to 8-bit sRGB and encodes it.
func writePNG(path string, data []byte, size int, ty lang.ImageType) error {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			var c color.NRGBA
			if ty == lang.ImageTypeGrayscale {
				v := f32at(data, idx*4)
				b := quantize(v)
				c = color.NRGBA{R: b, G: b, B: b, A: 0xff}
			} else {
				off := idx * 8
				c = color.NRGBA{
					R: quantize(linearToSRGB(f16at(data, off))),
					G: quantize(linearToSRGB(f16at(data, off+2))),
					B: quantize(linearToSRGB(f16at(data, off+4))),
					A: 0xff,
				}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func quantize(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

func f32at(data []byte, off int) float32 {
	if off+4 > len(data) {
		return 0
	}
	bits := uint32(data[off]) | uint32(data[off+1])<<8 |
		uint32(data[off+2])<<16 | uint32(data[off+3])<<24
	return math.Float32frombits(bits)
}

func f16at(data []byte, off int) float32 {
	if off+2 > len(data) {
		return 0
	}
	return f16float(uint16(data[off]) | uint16(data[off+1])<<8)
}
