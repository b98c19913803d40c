// Package shaders holds the pipeline's kernel sources and their binding
// metadata, plus the CPU mirrors used when the engine runs without a GPU.
package shaders

import (
	_ "embed"

	"github.com/helgev-traP/matcha/engine/wgpu_engine/shaders/cpu"
)

type BindType int

const (
	Buffer BindType = iota + 1
	BufReadOnly
	Uniform
	Image
	ImageRead
)

func (typ BindType) IsMutable() bool {
	return typ == Buffer || typ == Image
}

type WGSLSource struct {
	Code []byte
}

type ComputeShader struct {
	Name          string
	WorkgroupSize [3]uint32
	Bindings      []BindType
	WGSL          WGSLSource
	CPU           func(uint32, []cpu.CPUBinding)
}

// DrawShader describes a render kernel. Bindings make up bind group 0,
// visible to both stages; group 1 holds a sampler followed by Images
// sampled 2D array textures.
type DrawShader struct {
	Name     string
	Bindings []BindType
	Images   int
	WGSL     WGSLSource
}

//go:embed cull.wgsl
var cullWGSL []byte

//go:embed command.wgsl
var commandWGSL []byte

//go:embed draw.wgsl
var drawWGSL []byte

var Collection = struct {
	Cull    ComputeShader
	Command ComputeShader
	Draw    DrawShader
}{
	Cull: ComputeShader{
		Name:          "quad_cull",
		WorkgroupSize: [3]uint32{64, 1, 1},
		Bindings:      []BindType{Uniform, BufReadOnly, BufReadOnly, Buffer, Buffer},
		WGSL:          WGSLSource{Code: cullWGSL},
		CPU:           cpu.Cull,
	},
	Command: ComputeShader{
		Name:          "draw_command",
		WorkgroupSize: [3]uint32{1, 1, 1},
		Bindings:      []BindType{BufReadOnly, Buffer},
		WGSL:          WGSLSource{Code: commandWGSL},
		CPU:           cpu.Command,
	},
	Draw: DrawShader{
		Name:     "quad_draw",
		Bindings: []BindType{Uniform, BufReadOnly, BufReadOnly, BufReadOnly},
		Images:   2,
		WGSL:     WGSLSource{Code: drawWGSL},
	},
}
