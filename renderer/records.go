package renderer

import (
	"structs"

	"github.com/helgev-traP/matcha/mmath"
)

// The record types in this file are uploaded to the GPU byte for byte and
// must match the struct declarations in the WGSL kernels exactly, including
// padding. The sizes are pinned by tests.

// CullWorkgroupSize is the number of instances each culling workgroup
// processes.
const CullWorkgroupSize = 64

// UnitQuadCorners lists the corners of the unit quad in the winding order
// the overlap test walks edges in.
var UnitQuadCorners = [4][2]float32{{0, 0}, {0, 1}, {1, 1}, {1, 0}}

// InstanceRecord describes one textured quad. 96 bytes.
//
// StencilRef selects the stencil masking this instance: 0 means unmasked,
// any other value is a 1-based index into the stencil buffer.
type InstanceRecord struct {
	_ structs.HostLayout

	Transform   mmath.Mat4
	AtlasPage   uint32
	_           uint32
	AtlasOffset [2]float32
	AtlasSize   [2]float32
	StencilRef  uint32
	_           uint32
}

// StencilRecord describes one stencil region. 176 bytes.
//
// InverseExists is 0 or 1. When 0 the stencil still culls (the culling
// kernel uses Transform), but the draw shader skips masking because it
// cannot map framebuffer positions back into stencil space.
type StencilRecord struct {
	_ structs.HostLayout

	Transform        mmath.Mat4
	InverseExists    uint32
	_                [3]uint32
	InverseTransform mmath.Mat4
	AtlasPage        uint32
	_                uint32
	AtlasOffset      [2]float32
	AtlasSize        [2]float32
	_                [2]uint32
}

// CullConfig is the uniform shared by the culling and draw kernels.
// 80 bytes.
type CullConfig struct {
	_ structs.HostLayout

	Normalize     mmath.Mat4
	InstanceCount uint32
	CullDisabled  uint32
	_             [2]uint32
}

// DrawIndirectArgs matches wgpu's non-indexed indirect draw layout.
// 16 bytes.
type DrawIndirectArgs struct {
	_ structs.HostLayout

	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}
