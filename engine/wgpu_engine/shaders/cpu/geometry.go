// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/helgev-traP/matcha/mmath"
	"github.com/helgev-traP/matcha/renderer"
)

// clipQuad is the clip-space viewport, in the same winding as
// renderer.UnitQuadCorners.
var clipQuad = [4][2]float32{{-1, -1}, {-1, 1}, {1, 1}, {1, -1}}

// quadCorners transforms the unit quad's corners by m, walked in edge order.
func quadCorners(m mmath.Mat4) [4][2]float32 {
	var out [4][2]float32
	for i, c := range renderer.UnitQuadCorners {
		x, y := m.Apply(c[0], c[1])
		out[i] = [2]float32{x, y}
	}
	return out
}

// pointInQuad reports whether p lies inside the convex quad q. The edge
// cross product signs must all agree. A degenerate quad yields identical
// signs for every edge and reports "inside", over-approximating visibility
// rather than dropping instances.
func pointInQuad(p [2]float32, q [4][2]float32) bool {
	var signs [4]bool
	for i := range q {
		a := q[i]
		b := q[(i+1)%4]
		cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
		signs[i] = cross > 0
	}
	return signs[0] == signs[1] && signs[1] == signs[2] && signs[2] == signs[3]
}

// quadsOverlap approximates convex quad intersection by testing each quad's
// corners for containment in the other. Edge-crossing overlaps with no
// contained corner are missed; the quads this pipeline sees are transformed
// rectangles, where the approximation only fails for extreme aspect ratio
// crossings.
func quadsOverlap(a, b [4][2]float32) bool {
	for i := range a {
		if pointInQuad(a[i], b) || pointInQuad(b[i], a) {
			return true
		}
	}
	return false
}
