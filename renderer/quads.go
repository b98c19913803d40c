package renderer

import (
	"errors"
	"fmt"

	"honnef.co/go/color"
	"honnef.co/go/safeish"

	"github.com/helgev-traP/matcha/gfx"
	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/mmath"
	"github.com/helgev-traP/matcha/profiler"
)

// FullShaders names the kernels a frame needs, as registered with the
// engine.
type FullShaders struct {
	Cull    ShaderID
	Command ShaderID
	Draw    DrawShaderID
}

type RenderParams struct {
	// BaseColor is the background the target clears to. Nil means
	// transparent black.
	BaseColor *color.Color
	Width     uint32
	Height    uint32

	// CullDisabled makes the culling kernel pass every instance through
	// unconditionally. Debugging aid; the visible set is then the identity
	// permutation.
	CullDisabled bool

	// Robust downloads the visibility counter after the frame so callers
	// can assert count <= instance count.
	Robust bool
}

// SceneBuffers is the flattened scene: what the culling kernel consumes.
type SceneBuffers struct {
	Instances []InstanceRecord
	Stencils  []StencilRecord
}

var (
	// ErrStencilRef reports an instance whose stencil reference points past
	// the end of the stencil buffer.
	ErrStencilRef = errors.New("stencil reference out of range")
	// ErrAtlasBounds reports a record whose atlas rectangle leaves the unit
	// square.
	ErrAtlasBounds = errors.New("atlas rectangle out of bounds")
)

// Validate checks the cross-record invariants the kernels assume. The
// kernels additionally clamp stencil indices, but feeding them invalid
// references is a scene construction bug and gets reported here.
func (s SceneBuffers) Validate() error {
	for i := range s.Instances {
		inst := &s.Instances[i]
		if inst.StencilRef != 0 && int(inst.StencilRef) > len(s.Stencils) {
			return fmt.Errorf("instance %d: ref %d with %d stencils: %w",
				i, inst.StencilRef, len(s.Stencils), ErrStencilRef)
		}
		if err := checkAtlasRect(inst.AtlasOffset, inst.AtlasSize); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
	}
	for i := range s.Stencils {
		if err := checkAtlasRect(s.Stencils[i].AtlasOffset, s.Stencils[i].AtlasSize); err != nil {
			return fmt.Errorf("stencil %d: %w", i, err)
		}
	}
	return nil
}

func checkAtlasRect(offset, size [2]float32) error {
	for axis := range 2 {
		if offset[axis] < 0 || size[axis] < 0 || offset[axis]+size[axis] > 1 {
			return fmt.Errorf("offset %v size %v: %w", offset, size, ErrAtlasBounds)
		}
	}
	return nil
}

// AtlasData is one frame's view of an atlas: a layered image plus its pixel
// contents. The pipeline uploads it at the start of the frame and frees it at
// the end; persistence across frames is the atlas owner's concern.
type AtlasData struct {
	Width  uint32
	Height uint32
	Layers uint32
	Format ImageFormat
	Pixels []byte
}

func (a AtlasData) upload(arena *mem.Arena, rec *Recording, fallback ImageFormat) ImageProxy {
	if a.Layers == 0 || a.Width == 0 || a.Height == 0 {
		// Binding an empty atlas is invalid; substitute a single opaque
		// texel. No valid record can address anything else.
		format := a.Format
		if len(a.Pixels) == 0 {
			format = fallback
		}
		onePixel := make([]byte, format.Bytes())
		for i := range onePixel {
			onePixel[i] = 0xff
		}
		return rec.UploadImage(arena, 1, 1, 1, format, onePixel)
	}
	return rec.UploadImage(arena, a.Width, a.Height, a.Layers, a.Format, a.Pixels)
}

// defaultStencil keeps the stencil storage binding non-empty when the scene
// has no stencils; zero-sized bindings are invalid in wgpu. The kernels never
// read it because no instance can reference it.
var defaultStencil = StencilRecord{
	Transform:        mmath.Identity,
	InverseExists:    1,
	InverseTransform: mmath.Identity,
	AtlasSize:        [2]float32{1, 1},
}

// RenderQuads appends one frame to rec: cull the instances against the
// viewport, derive the indirect draw arguments from the survivor count, and
// draw the survivors into a new target image, which is returned.
//
// The three stages communicate only through buffers, and the engine places a
// barrier between successive dispatches and between the last dispatch and
// the draw, so the count the draw consumes is always the count culling
// produced this frame.
func RenderQuads(
	arena *mem.Arena,
	rec *Recording,
	shaders *FullShaders,
	scene SceneBuffers,
	textureAtlas AtlasData,
	stencilAtlas AtlasData,
	params *RenderParams,
	pgroup profiler.ProfilerGroup,
) (ImageProxy, error) {
	pgroup = pgroup.Start("RenderQuads")
	defer pgroup.End()

	if err := scene.Validate(); err != nil {
		return ImageProxy{}, err
	}

	n := uint32(len(scene.Instances))

	instances := scene.Instances
	if len(instances) == 0 {
		// Zero-sized storage bindings are invalid, and the layouts below
		// still need every slot filled even though the kernels see
		// InstanceCount == 0.
		instances = []InstanceRecord{{}}
	}
	stencils := scene.Stencils
	if len(stencils) == 0 {
		stencils = []StencilRecord{defaultStencil}
	}

	cfg := CullConfig{
		Normalize:     mmath.Normalize(float32(params.Width), float32(params.Height)),
		InstanceCount: n,
	}
	if params.CullDisabled {
		cfg.CullDisabled = 1
	}

	configBuf := rec.UploadUniform(arena, "cull config", safeish.AsBytes(&cfg))
	instanceBuf := rec.Upload(arena, "instances", safeish.SliceCast[[]byte](instances))
	stencilBuf := rec.Upload(arena, "stencils", safeish.SliceCast[[]byte](stencils))

	textureImg := textureAtlas.upload(arena, rec, Rgba8)
	stencilImg := stencilAtlas.upload(arena, rec, Alpha8)

	visibleBuf := NewBufferProxy(uint64(len(instances))*4, "visible indices")
	counterBuf := NewBufferProxy(4, "visible counter")
	indirectBuf := NewBufferProxy(16, "draw indirect")

	// The counter must read zero before culling increments it.
	rec.ClearAll(arena, counterBuf)

	if n > 0 {
		wgs := (n + CullWorkgroupSize - 1) / CullWorkgroupSize
		rec.Dispatch(arena, shaders.Cull, [3]uint32{wgs, 1, 1}, mem.MakeSlice(arena, []ResourceProxy{
			configBuf.Resource(),
			instanceBuf.Resource(),
			stencilBuf.Resource(),
			visibleBuf.Resource(),
			counterBuf.Resource(),
		}))
	} else {
		rec.ClearAll(arena, visibleBuf)
	}

	rec.Dispatch(arena, shaders.Command, [3]uint32{1, 1, 1}, mem.MakeSlice(arena, []ResourceProxy{
		counterBuf.Resource(),
		indirectBuf.Resource(),
	}))

	var clearColor [4]float32
	if params.BaseColor != nil {
		clearColor = gfx.Premul32(params.BaseColor)
	}

	target := NewImageProxy(params.Width, params.Height, 1, Rgba8)
	rec.Draw(arena, shaders.Draw, target, indirectBuf, clearColor,
		mem.MakeSlice(arena, []ResourceProxy{
			configBuf.Resource(),
			instanceBuf.Resource(),
			stencilBuf.Resource(),
			visibleBuf.Resource(),
		}),
		mem.MakeSlice(arena, []ImageProxy{textureImg, stencilImg}),
	)

	if params.Robust {
		rec.Download(arena, counterBuf)
	}

	rec.FreeBuffer(arena, configBuf)
	rec.FreeBuffer(arena, instanceBuf)
	rec.FreeBuffer(arena, stencilBuf)
	rec.FreeBuffer(arena, visibleBuf)
	rec.FreeBuffer(arena, indirectBuf)
	if !params.Robust {
		rec.FreeBuffer(arena, counterBuf)
	}
	rec.FreeImage(arena, textureImg)
	rec.FreeImage(arena, stencilImg)

	return target, nil
}
