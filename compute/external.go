// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/texgraph/lang"
)

// ErrExternalImage wraps failures to locate or decode an external
// image resource.
var ErrExternalImage = errors.New("compute: external image")

// externalEntry caches the decoded pixels of one external resource.
type externalEntry struct {
	pixels []byte
	size   int

	colorSpace lang.ColorSpace
	loaded     bool
}

// ExternalStore resolves image resources to decoded, linearized pixel
// data ready for upload. Entries are cached until invalidated; the
// interpreter asks NeedsLoading before every image node execution.
type ExternalStore struct {
	root    string
	entries map[lang.Resource]*externalEntry
}

// NewExternalStore creates a store resolving resource paths below the
// given directory.
func NewExternalStore(root string) *ExternalStore {
	return &ExternalStore{root: root, entries: make(map[lang.Resource]*externalEntry)}
}

// NeedsLoading reports whether the resource must be decoded before its
// pixels can be used with the given color space.
func (s *ExternalStore) NeedsLoading(res lang.Resource, cs lang.ColorSpace) bool {
	e := s.entries[res]
	return e == nil || !e.loaded || e.colorSpace != cs
}

// Invalidate drops a cached entry, forcing a reload on next use.
func (s *ExternalStore) Invalidate(res lang.Resource) {
	delete(s.entries, res)
}

// Register installs already decoded RGBA16F pixel data for a resource,
// bypassing the filesystem. The data length must match a square image.
func (s *ExternalStore) Register(res lang.Resource, pixels []byte, size int, cs lang.ColorSpace) {
	s.entries[res] = &externalEntry{pixels: pixels, size: size, colorSpace: cs, loaded: true}
}

// Load decodes the resource into square RGBA16F pixel data at a
// clamped power-of-two friendly side length, converting sRGB sources
// to linear. Returns the pixels and the side length.
func (s *ExternalStore) Load(res lang.Resource, cs lang.ColorSpace) ([]byte, int, error) {
	if e := s.entries[res]; e != nil && e.loaded && e.colorSpace == cs {
		return e.pixels, e.size, nil
	}

	path := filepath.Join(s.root, filepath.FromSlash(res.Path()))
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrExternalImage, res, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrExternalImage, res, err)
	}

	bounds := img.Bounds()
	side := bounds.Dx()
	if bounds.Dy() > side {
		side = bounds.Dy()
	}
	side = lang.ClampImageSize(side)

	pixels := resampleRGBA16F(img, side, cs)
	s.entries[res] = &externalEntry{pixels: pixels, size: side, colorSpace: cs, loaded: true}
	logger().Debug("compute: external image loaded",
		"resource", res.String(), "format", format, "size", side)
	return pixels, side, nil
}

// resampleRGBA16F stretches the source to a square side x side RGBA16F
// buffer with nearest-neighbor sampling.
func resampleRGBA16F(img image.Image, side int, cs lang.ColorSpace) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]byte, side*side*8)
	for y := 0; y < side; y++ {
		sy := bounds.Min.Y + y*h/side
		for x := 0; x < side; x++ {
			sx := bounds.Min.X + x*w/side
			r, g, b, a := img.At(sx, sy).RGBA()
			cr := float32(r) / 0xffff
			cg := float32(g) / 0xffff
			cb := float32(b) / 0xffff
			ca := float32(a) / 0xffff
			if cs == lang.ColorSpaceSRGB {
				cr = srgbToLinear(cr)
				cg = srgbToLinear(cg)
				cb = srgbToLinear(cb)
			}
			off := (y*side + x) * 8
			putF16(out[off:], cr)
			putF16(out[off+2:], cg)
			putF16(out[off+4:], cb)
			putF16(out[off+6:], ca)
		}
	}
	return out
}

func srgbToLinear(c float32) float32 {
	if c <= 0.04045 {
		return c / 12.92
	}
	return float32(math.Pow(float64(c+0.055)/1.055, 2.4))
}

func linearToSRGB(c float32) float32 {
	if c <= 0.0031308 {
		return c * 12.92
	}
	return float32(1.055*math.Pow(float64(c), 1/2.4) - 0.055)
}

// putF16 writes a little-endian IEEE half-precision float.
func putF16(dst []byte, v float32) {
	h := f16bits(v)
	dst[0] = byte(h)
	dst[1] = byte(h >> 8)
}

// f16bits converts a float32 to IEEE 754 half-precision bits with
// round-to-nearest-even.
func f16bits(v float32) uint16 {
	b := math.Float32bits(v)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xff) - 127 + 15
	mant := b & 0x7fffff

	switch {
	case exp >= 0x1f:
		// Overflow and infinities map to inf, NaN keeps a mantissa bit.
		if b&0x7f800000 == 0x7f800000 && mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if mant&0x1000 != 0 {
			half++
		}
		return half
	}
}

// f16float converts IEEE half-precision bits back to a float32.
func f16float(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		mant &= 0x3ff
		exp++
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}
