// Package mmath implements the small amount of linear algebra shared between
// the host and the GPU kernels. Matrices use the memory layout of a WGSL
// mat4x4<f32> so records containing them can be uploaded byte for byte.
package mmath

import (
	"math"
	"structs"

	"honnef.co/go/curve"
)

// Mat4 is a 4x4 float32 matrix in column-major order; element (row r,
// column c) is at index c*4 + r. This matches WGSL's mat4x4<f32>.
type Mat4 struct {
	_ structs.HostLayout

	Cols [16]float32
}

var Identity = Mat4{Cols: [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}}

// FromAffine lifts a 2D affine transform into the 4x4 form the pipeline
// uses. The z axis passes through unchanged.
func FromAffine(a curve.Affine) Mat4 {
	c := a.Coefficients()
	m := Identity
	m.Cols[0] = float32(c[0])
	m.Cols[1] = float32(c[1])
	m.Cols[4] = float32(c[2])
	m.Cols[5] = float32(c[3])
	m.Cols[12] = float32(c[4])
	m.Cols[13] = float32(c[5])
	return m
}

// Normalize maps pixel coordinates [0..width] x [0..height] into clip space
// [-1..1] x [-1..1], flipping Y so that pixel-space Y-down becomes clip-space
// Y-up.
func Normalize(width, height float32) Mat4 {
	m := Identity
	m.Cols[0] = 2 / width
	m.Cols[5] = -2 / height
	m.Cols[12] = -1
	m.Cols[13] = 1
	return m
}

func (m Mat4) Mul(o Mat4) Mat4 {
	var out Mat4
	for c := range 4 {
		for r := range 4 {
			var sum float32
			for k := range 4 {
				sum += m.Cols[k*4+r] * o.Cols[c*4+k]
			}
			out.Cols[c*4+r] = sum
		}
	}
	return out
}

type Vec4 [4]float32

func (m Mat4) MulVec4(v Vec4) Vec4 {
	var out Vec4
	for r := range 4 {
		out[r] = m.Cols[r]*v[0] + m.Cols[4+r]*v[1] + m.Cols[8+r]*v[2] + m.Cols[12+r]*v[3]
	}
	return out
}

// Apply transforms the 2D point (x, y) as the homogeneous point
// (x, y, 0, 1) and returns the resulting x and y without dividing by w.
func (m Mat4) Apply(x, y float32) (float32, float32) {
	out := m.MulVec4(Vec4{x, y, 0, 1})
	return out[0], out[1]
}

// TryInverse computes the inverse of m. ok is false when the determinant
// vanishes; the returned matrix is the identity in that case. The
// computation runs in float64: the invertibility decision is made once on
// the host and the kernels only consume its result, so a near-singular
// stencil transform disables masking instead of producing garbage.
func (m Mat4) TryInverse() (Mat4, bool) {
	var a [16]float64
	for i, v := range m.Cols {
		a[i] = float64(v)
	}

	// Cofactor expansion on the 2x2 minors, column-major.
	s0 := a[0]*a[5] - a[4]*a[1]
	s1 := a[0]*a[9] - a[8]*a[1]
	s2 := a[0]*a[13] - a[12]*a[1]
	s3 := a[4]*a[9] - a[8]*a[5]
	s4 := a[4]*a[13] - a[12]*a[5]
	s5 := a[8]*a[13] - a[12]*a[9]

	c5 := a[10]*a[15] - a[14]*a[11]
	c4 := a[6]*a[15] - a[14]*a[7]
	c3 := a[6]*a[11] - a[10]*a[7]
	c2 := a[2]*a[15] - a[14]*a[3]
	c1 := a[2]*a[11] - a[10]*a[3]
	c0 := a[2]*a[7] - a[6]*a[3]

	det := s0*c5 - s1*c4 + s2*c3 + s3*c2 - s4*c1 + s5*c0
	if math.Abs(det) < 1e-12 {
		return Identity, false
	}
	inv := 1 / det

	var o [16]float64
	o[0] = (a[5]*c5 - a[9]*c4 + a[13]*c3) * inv
	o[4] = (-a[4]*c5 + a[8]*c4 - a[12]*c3) * inv
	o[8] = (a[7]*s5 - a[11]*s4 + a[15]*s3) * inv
	o[12] = (-a[6]*s5 + a[10]*s4 - a[14]*s3) * inv

	o[1] = (-a[1]*c5 + a[9]*c2 - a[13]*c1) * inv
	o[5] = (a[0]*c5 - a[8]*c2 + a[12]*c1) * inv
	o[9] = (-a[3]*s5 + a[11]*s2 - a[15]*s1) * inv
	o[13] = (a[2]*s5 - a[10]*s2 + a[14]*s1) * inv

	o[2] = (a[1]*c4 - a[5]*c2 + a[13]*c0) * inv
	o[6] = (-a[0]*c4 + a[4]*c2 - a[12]*c0) * inv
	o[10] = (a[3]*s4 - a[7]*s2 + a[15]*s0) * inv
	o[14] = (-a[2]*s4 + a[6]*s2 - a[14]*s0) * inv

	o[3] = (-a[1]*c3 + a[5]*c1 - a[9]*c0) * inv
	o[7] = (a[0]*c3 - a[4]*c1 + a[8]*c0) * inv
	o[11] = (-a[3]*s3 + a[7]*s1 - a[11]*s0) * inv
	o[15] = (a[2]*s3 - a[6]*s1 + a[10]*s0) * inv

	var out Mat4
	for i, v := range o {
		out.Cols[i] = float32(v)
	}
	return out, true
}
