// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package cpu provides CPU implementations of the pipeline's kernels.
//
// The kernels intentionally replicate the WGSL kernels instead of using more
// CPU-friendly alternatives. They're a debug tool, not a viable fallback.
package cpu

import (
	"fmt"
	"unsafe"

	"honnef.co/go/safeish"

	"github.com/helgev-traP/matcha/renderer"
)

type CPUBinding interface {
	// One of CPUBuffer, CPUImage
}

type CPUBuffer []byte

// CPUImage is a layered image, the CPU stand-in for a 2D array texture.
// Pixels holds the layers back to back, each layer in row-major order.
type CPUImage struct {
	Width  uint32
	Height uint32
	Layers uint32
	Format renderer.ImageFormat
	Pixels []byte
}

func NewCPUImage(width, height, layers uint32, format renderer.ImageFormat) *CPUImage {
	return &CPUImage{
		Width:  width,
		Height: height,
		Layers: layers,
		Format: format,
		Pixels: make([]byte, uint64(width)*uint64(height)*uint64(layers)*uint64(format.Bytes())),
	}
}

func (img *CPUImage) texelOffset(x, y, layer uint32) int {
	return int(((uint64(layer)*uint64(img.Height)+uint64(y))*uint64(img.Width) + uint64(x)) * uint64(img.Format.Bytes()))
}

// texel returns the texel at (x, y, layer) as unorm floats, in the channel
// order a WGSL textureSample would see.
func (img *CPUImage) texel(x, y, layer uint32) [4]float32 {
	off := img.texelOffset(x, y, layer)
	switch img.Format {
	case renderer.Rgba8:
		return [4]float32{
			float32(img.Pixels[off+0]) / 255,
			float32(img.Pixels[off+1]) / 255,
			float32(img.Pixels[off+2]) / 255,
			float32(img.Pixels[off+3]) / 255,
		}
	case renderer.Bgra8:
		return [4]float32{
			float32(img.Pixels[off+2]) / 255,
			float32(img.Pixels[off+1]) / 255,
			float32(img.Pixels[off+0]) / 255,
			float32(img.Pixels[off+3]) / 255,
		}
	case renderer.Alpha8:
		return [4]float32{float32(img.Pixels[off]) / 255, 0, 0, 1}
	default:
		panic(fmt.Sprintf("unhandled format %d", img.Format))
	}
}

func (img *CPUImage) setTexel(x, y, layer uint32, v [4]float32) {
	off := img.texelOffset(x, y, layer)
	switch img.Format {
	case renderer.Rgba8:
		img.Pixels[off+0] = unorm8(v[0])
		img.Pixels[off+1] = unorm8(v[1])
		img.Pixels[off+2] = unorm8(v[2])
		img.Pixels[off+3] = unorm8(v[3])
	case renderer.Bgra8:
		img.Pixels[off+0] = unorm8(v[2])
		img.Pixels[off+1] = unorm8(v[1])
		img.Pixels[off+2] = unorm8(v[0])
		img.Pixels[off+3] = unorm8(v[3])
	case renderer.Alpha8:
		img.Pixels[off] = unorm8(v[0])
	default:
		panic(fmt.Sprintf("unhandled format %d", img.Format))
	}
}

func unorm8(v float32) byte {
	v = min(max(v, 0), 1)
	return byte(v*255 + 0.5)
}

// sampleBilinear mirrors sampling through a linear, clamp-to-edge sampler.
// uv addresses the full [0,1]^2 extent of the layer.
func (img *CPUImage) sampleBilinear(uv [2]float32, layer uint32) [4]float32 {
	fx := uv[0]*float32(img.Width) - 0.5
	fy := uv[1]*float32(img.Height) - 0.5
	x0 := floorInt(fx)
	y0 := floorInt(fy)
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	clampX := func(x int) uint32 {
		return uint32(min(max(x, 0), int(img.Width)-1))
	}
	clampY := func(y int) uint32 {
		return uint32(min(max(y, 0), int(img.Height)-1))
	}

	c00 := img.texel(clampX(x0), clampY(y0), layer)
	c10 := img.texel(clampX(x0+1), clampY(y0), layer)
	c01 := img.texel(clampX(x0), clampY(y0+1), layer)
	c11 := img.texel(clampX(x0+1), clampY(y0+1), layer)

	var out [4]float32
	for i := range out {
		top := c00[i] + (c10[i]-c00[i])*tx
		bot := c01[i] + (c11[i]-c01[i])*tx
		out[i] = top + (bot-top)*ty
	}
	return out
}

func floorInt(v float32) int {
	i := int(v)
	if v < 0 && float32(i) != v {
		i--
	}
	return i
}

func fromBytes[E any, T *E](b []byte) T {
	if uintptr(len(b)) < unsafe.Sizeof(*new(E)) {
		panic(fmt.Sprintf(
			"buffer of size %d cannot represent object of size %d", len(b), unsafe.Sizeof(*new(E))))
	}

	return safeish.Cast[T](&b[0])
}
