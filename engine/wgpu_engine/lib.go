package wgpu_engine

import (
	"fmt"

	"honnef.co/go/wgpu"

	"github.com/helgev-traP/matcha/engine/wgpu_engine/shaders"
	"github.com/helgev-traP/matcha/engine/wgpu_engine/shaders/cpu"
	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/renderer"
)

type RendererOptions struct {
	SurfaceFormat wgpu.TextureFormat
	// UseCPU runs every kernel on the CPU mirrors instead of the GPU. The
	// engine then needs no device at all.
	UseCPU bool
}

var bindTypeMapping = [...]renderer.BindType{
	shaders.Buffer:      {Type: renderer.BindTypeBuffer},
	shaders.BufReadOnly: {Type: renderer.BindTypeBufReadOnly},
	shaders.Uniform:     {Type: renderer.BindTypeUniform},
	shaders.Image:       {Type: renderer.BindTypeImage, ImageFormat: renderer.Rgba8},
	shaders.ImageRead:   {Type: renderer.BindTypeImageRead, ImageFormat: renderer.Rgba8},
}

func mapBindings(in []shaders.BindType) []renderer.BindType {
	out := make([]renderer.BindType, len(in))
	for i, b := range in {
		out[i] = bindTypeMapping[b]
	}
	return out
}

func (eng *Engine) newFullShaders() *renderer.FullShaders {
	col := &shaders.Collection
	return &renderer.FullShaders{
		Cull:    eng.addShader(col.Cull.Name, col.Cull.WGSL.Code, mapBindings(col.Cull.Bindings), col.Cull.CPU),
		Command: eng.addShader(col.Command.Name, col.Command.WGSL.Code, mapBindings(col.Command.Bindings), col.Command.CPU),
		Draw:    eng.addDrawShader(col.Draw.Name, col.Draw.WGSL.Code, mapBindings(col.Draw.Bindings), col.Draw.Images),
	}
}

type blitPipeline struct {
	BindLayout *wgpu.BindGroupLayout
	Pipeline   *wgpu.RenderPipeline
}

func newBlitPipeline(dev *wgpu.Device, format wgpu.TextureFormat) *blitPipeline {
	// The render target already holds premultiplied color, so the blit is a
	// plain copy onto the surface.
	const src = `
			@vertex
			fn vs_main(@builtin(vertex_index) ix: u32) -> @builtin(position) vec4<f32> {
				// Generate a full screen quad in normalized device coordinates
				var vertex = vec2(-1.0, 1.0);
				switch ix {
					case 1u: {
						vertex = vec2(-1.0, -1.0);
					}
					case 2u, 4u: {
						vertex = vec2(1.0, -1.0);
					}
					case 5u: {
						vertex = vec2(1.0, 1.0);
					}
					default: {}
				}
				return vec4(vertex, 0.0, 1.0);
			}

			@group(0) @binding(0)
			var render_output: texture_2d<f32>;

			@fragment
			fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
				return textureLoad(render_output, vec2<i32>(pos.xy), 0);
			}`

	shader := dev.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  "blit shaders",
		Source: wgpu.ShaderSourceWGSL(src),
	})
	bindLayout := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Visibility: wgpu.ShaderStageFragment,
				Binding:    0,
				Texture: &wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleTypeFloat,
					ViewDimension: wgpu.TextureViewDimension2D,
					Multisampled:  false,
				},
			},
		},
	})
	pipelineLayout := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "blit pipeline layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindLayout},
	})
	pipeline := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "blit pipeline",
		Layout: pipelineLayout,
		Vertex: &wgpu.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    format,
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: &wgpu.PrimitiveState{
			Topology:         wgpu.PrimitiveTopologyTriangleList,
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
			CullMode:         wgpu.CullModeBack,
		},
		Multisample: &wgpu.MultisampleState{
			Count:                  1,
			Mask:                   ^uint32(0),
			AlphaToCoverageEnabled: false,
		},
	})
	return &blitPipeline{
		BindLayout: bindLayout,
		Pipeline:   pipeline,
	}
}

type targetTexture struct {
	View   *wgpu.TextureView
	Width  uint32
	Height uint32
}

func newTargetTexture(dev *wgpu.Device, width, height uint32) *targetTexture {
	tex := dev.CreateTexture(&wgpu.TextureDescriptor{
		Label: "target texture",
		Size: wgpu.Extent3D{
			Width:              width,
			Height:             height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Usage:         wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageTextureBinding,
		Format:        wgpu.TextureFormatRGBA8Unorm,
	})
	defer tex.Release()
	view := tex.CreateView(nil)
	return &targetTexture{
		View:   view,
		Width:  width,
		Height: height,
	}
}

func imageFormatToWGPU(f renderer.ImageFormat) wgpu.TextureFormat {
	switch f {
	case renderer.Rgba8:
		return wgpu.TextureFormatRGBA8Unorm
	case renderer.Bgra8:
		return wgpu.TextureFormatBGRA8Unorm
	case renderer.Alpha8:
		return wgpu.TextureFormatR8Unorm
	default:
		panic(fmt.Sprintf("unhandled value %d", f))
	}
}

// Frame is one frame's worth of input from the external scene and atlas
// layer: the flattened instance and stencil records plus the two atlases
// they address.
type Frame struct {
	Scene        renderer.SceneBuffers
	TextureAtlas renderer.AtlasData
	StencilAtlas renderer.AtlasData
}

func (eng *Engine) RenderToTexture(
	arena *mem.Arena,
	queue *wgpu.Queue,
	frame *Frame,
	texture *wgpu.TextureView,
	params *renderer.RenderParams,
	pgroup *ProfilerGroup,
) error {
	pgroup = pgroup.Nest("RenderToTexture")
	defer pgroup.End()

	var recording renderer.Recording
	target, err := renderer.RenderQuads(arena, &recording, eng.fullShaders, frame.Scene,
		frame.TextureAtlas, frame.StencilAtlas, params, pgroup)
	if err != nil {
		return err
	}

	externalResources := []ExternalResource{
		ExternalImage{
			Proxy: target,
			View:  texture,
		},
	}
	eng.RunRecording(arena, queue, &recording, externalResources, "render_to_texture", pgroup)
	return nil
}

func (eng *Engine) RenderToSurface(
	arena *mem.Arena,
	queue *wgpu.Queue,
	frame *Frame,
	surface *wgpu.SurfaceTexture,
	params *renderer.RenderParams,
	pgroup *ProfilerGroup,
) error {
	pgroup = pgroup.Nest("RenderToSurface")
	defer pgroup.End()

	width := params.Width
	height := params.Height
	if eng.target == nil {
		eng.target = newTargetTexture(eng.Device, width, height)
	} else if eng.target.Width != width || eng.target.Height != height {
		eng.target.View.Release()
		eng.target = newTargetTexture(eng.Device, width, height)
	}

	ency := eng.Device.CreateCommandEncoder(nil)
	span := pgroup.Begin(ency, "total")
	cmdy := ency.Finish(nil)
	defer cmdy.Release()
	queue.Submit(cmdy)

	if err := eng.RenderToTexture(arena, queue, frame, eng.target.View, params, pgroup); err != nil {
		return err
	}

	surfaceView := surface.Texture.CreateView(nil)
	defer surfaceView.Release()

	bindGroup := eng.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: eng.blit.BindLayout,
		Entries: []wgpu.BindGroupEntry{
			{
				Binding:     0,
				TextureView: eng.target.View,
			},
		},
	})
	defer bindGroup.Release()

	encoder := eng.Device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "blitter"})
	defer encoder.Release()
	renderPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{
				View:       surfaceView,
				LoadOp:     wgpu.LoadOpClear,
				StoreOp:    wgpu.StoreOpStore,
				ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 0},
			},
		},
		TimestampWrites: pgroup.Render(arena, "blit"),
	})
	defer renderPass.Release()

	renderPass.SetPipeline(eng.blit.Pipeline)
	renderPass.SetBindGroup(0, bindGroup, nil)
	renderPass.Draw(6, 1, 0, 0)
	renderPass.End()

	span.End(encoder)
	cmd := encoder.Finish(nil)
	defer cmd.Release()
	queue.Submit(cmd)

	return nil
}

// RenderToCPUImage runs the whole frame on the CPU kernel mirrors. The
// engine must have been created with UseCPU.
func (eng *Engine) RenderToCPUImage(
	arena *mem.Arena,
	frame *Frame,
	params *renderer.RenderParams,
	pgroup *ProfilerGroup,
) (*cpu.CPUImage, error) {
	if !eng.UseCPU {
		panic("RenderToCPUImage requires a CPU engine")
	}
	var recording renderer.Recording
	target, err := renderer.RenderQuads(arena, &recording, eng.fullShaders, frame.Scene,
		frame.TextureAtlas, frame.StencilAtlas, params, pgroup)
	if err != nil {
		return nil, err
	}

	img := cpu.NewCPUImage(params.Width, params.Height, 1, renderer.Rgba8)
	externalResources := []ExternalResource{
		ExternalCPUImage{
			Proxy: target,
			Image: img,
		},
	}
	eng.RunRecording(arena, nil, &recording, externalResources, "render_to_cpu_image", pgroup)
	return img, nil
}
