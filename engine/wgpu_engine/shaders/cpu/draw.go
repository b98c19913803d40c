// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/helgev-traP/matcha/mmath"
	"github.com/helgev-traP/matcha/renderer"
)

// DrawInput carries the resources of one indirect draw, in the same roles
// the render pass binds them.
type DrawInput struct {
	Config    *renderer.CullConfig
	Instances []renderer.InstanceRecord
	Stencils  []renderer.StencilRecord
	Visible   []uint32
	Args      renderer.DrawIndirectArgs

	Texture *CPUImage
	Stencil *CPUImage

	Target *CPUImage
	// ClearColor is premultiplied, like the render pass clear value.
	ClearColor [4]float32
}

// Draw mirrors draw.wgsl. Instead of running the vertex shader per strip
// vertex it inverts each instance's clip transform and walks the quad's
// framebuffer bounding box, which produces the same fragments. Blending
// matches the pipeline's alpha blend state: the target accumulates
// premultiplied color.
func Draw(in *DrawInput) {
	target := in.Target
	for y := range target.Height {
		for x := range target.Width {
			target.setTexel(x, y, 0, in.ClearColor)
		}
	}

	for slot := range in.Args.InstanceCount {
		ix := in.Visible[in.Args.FirstInstance+slot]
		inst := &in.Instances[ix]

		m := in.Config.Normalize.Mul(inst.Transform)
		inv, ok := m.TryInverse()
		if !ok {
			// A zero-area quad covers no pixel centers.
			continue
		}

		minX, minY, maxX, maxY := clipBounds(m, target.Width, target.Height)
		uvMin := inst.AtlasOffset
		uvMax := [2]float32{
			inst.AtlasOffset[0] + inst.AtlasSize[0],
			inst.AtlasOffset[1] + inst.AtlasSize[1],
		}

		useStencil := false
		var sten *renderer.StencilRecord
		if inst.StencilRef != 0 {
			sten = &in.Stencils[min(inst.StencilRef-1, uint32(len(in.Stencils)-1))]
			useStencil = sten.InverseExists != 0
		}

		for py := minY; py < maxY; py++ {
			for px := minX; px < maxX; px++ {
				cx := (float32(px)+0.5)/float32(target.Width)*2 - 1
				cy := 1 - (float32(py)+0.5)/float32(target.Height)*2
				lx, ly := inv.Apply(cx, cy)
				if lx < 0 || lx > 1 || ly < 0 || ly > 1 {
					continue
				}

				uv := [2]float32{
					clamp(uvMin[0]+lx*inst.AtlasSize[0], uvMin[0], uvMax[0]),
					clamp(uvMin[1]+ly*inst.AtlasSize[1], uvMin[1], uvMax[1]),
				}
				src := in.Texture.sampleBilinear(uv, inst.AtlasPage)

				factor := float32(1)
				if useStencil {
					dx, dy := inst.Transform.Apply(lx, ly)
					spos := sten.InverseTransform.MulVec4([4]float32{dx, dy, 0, 1})
					sx := spos[0] / spos[3]
					sy := spos[1] / spos[3]
					suv := [2]float32{
						clamp(sten.AtlasOffset[0]+sx*sten.AtlasSize[0],
							sten.AtlasOffset[0], sten.AtlasOffset[0]+sten.AtlasSize[0]),
						clamp(sten.AtlasOffset[1]+sy*sten.AtlasSize[1],
							sten.AtlasOffset[1], sten.AtlasOffset[1]+sten.AtlasSize[1]),
					}
					factor = in.Stencil.sampleBilinear(suv, sten.AtlasPage)[0]
				}

				for i := range src {
					src[i] *= factor
				}
				a := src[3]
				dst := target.texel(px, py, 0)
				target.setTexel(px, py, 0, [4]float32{
					src[0]*a + dst[0]*(1-a),
					src[1]*a + dst[1]*(1-a),
					src[2]*a + dst[2]*(1-a),
					a + dst[3]*(1-a),
				})
			}
		}
	}
}

// clipBounds returns the framebuffer bounding box of the unit quad under m,
// clamped to the target.
func clipBounds(m mmath.Mat4, width, height uint32) (minX, minY, maxX, maxY uint32) {
	first := true
	var loX, loY, hiX, hiY float32
	for _, c := range quadCorners(m) {
		// Clip space to framebuffer coordinates, Y flipped.
		fx := (c[0] + 1) / 2 * float32(width)
		fy := (1 - c[1]) / 2 * float32(height)
		if first {
			loX, hiX = fx, fx
			loY, hiY = fy, fy
			first = false
		} else {
			loX = min(loX, fx)
			hiX = max(hiX, fx)
			loY = min(loY, fy)
			hiY = max(hiY, fy)
		}
	}
	minX = uint32(min(max(floorInt(loX), 0), int(width)))
	minY = uint32(min(max(floorInt(loY), 0), int(height)))
	maxX = uint32(min(max(floorInt(hiX)+1, 0), int(width)))
	maxY = uint32(min(max(floorInt(hiY)+1, 0), int(height)))
	return minX, minY, maxX, maxY
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
