// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package gfx holds color conversions shared by the renderer and the engine.
package gfx

import (
	"honnef.co/go/color"
)

// Premul32 converts c to linear sRGB with premultiplied alpha, the form the
// render pass clear value and the CPU rasterizer blend in.
func Premul32(c *color.Color) [4]float32 {
	cc := c.Convert(color.LinearSRGB)
	r := cc.Values[0]
	g := cc.Values[1]
	b := cc.Values[2]
	a := cc.Values[3]

	return [4]float32{
		float32(r * a),
		float32(g * a),
		float32(b * a),
		float32(a),
	}
}
