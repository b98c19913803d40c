package wgpu_engine

// OPT reuse bind groups

import (
	"fmt"
	"math"
	"math/bits"

	"honnef.co/go/wgpu"

	"github.com/helgev-traP/matcha/engine/wgpu_engine/shaders/cpu"
	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/renderer"
)

type uninitializedShader struct {
	Wgsl     []byte
	Label    string
	Entries  []wgpu.BindGroupLayoutEntry
	ShaderID renderer.ShaderID
}

type Engine struct {
	Device              *wgpu.Device
	shaders             []shader
	draws               []drawShader
	pool                resourcePool
	downloads           map[renderer.ResourceID]*wgpu.Buffer
	downloadsCPU        map[renderer.ResourceID][]byte
	shadersToInitialize []uninitializedShader
	UseCPU              bool

	blit        *blitPipeline
	fullShaders *renderer.FullShaders
	target      *targetTexture
}

type wgpuShader struct {
	label           string
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

type cpuShader struct {
	shader func(uint32, []cpu.CPUBinding)
}

type shader struct {
	Label string
	WGPU  *wgpuShader
	CPU   *cpuShader
}

func (s shader) Select() any {
	if s.CPU != nil {
		return s.CPU
	} else if s.WGPU != nil {
		return s.WGPU
	} else {
		panic(fmt.Sprintf("no available shader for %s", s.Label))
	}
}

// drawShader is a render kernel: one shader module whose pipelines are
// instantiated lazily per target format. Bind group 0 carries the buffer
// bindings, bind group 1 the sampler and the sampled array textures.
type drawShader struct {
	label     string
	module    *wgpu.ShaderModule
	layout    *wgpu.PipelineLayout
	dataLayout *wgpu.BindGroupLayout
	texLayout  *wgpu.BindGroupLayout
	sampler   *wgpu.Sampler
	pipelines map[wgpu.TextureFormat]*wgpu.RenderPipeline
}

type ExternalResource interface {
	// One of ExternalBuffer, ExternalImage and ExternalCPUImage
}

type ExternalBuffer struct {
	Proxy  renderer.BufferProxy
	Buffer *wgpu.Buffer
}

type ExternalImage struct {
	Proxy renderer.ImageProxy
	View  *wgpu.TextureView
}

// ExternalCPUImage is the CPU engine's counterpart of ExternalImage.
type ExternalCPUImage struct {
	Proxy renderer.ImageProxy
	Image *cpu.CPUImage
}

type materializedBuffer interface {
	// One of wgpu.Buffer and []byte
}

type bindMapBuffer struct {
	Buffer materializedBuffer
	Label  string
}

type bindMapImage struct {
	texture *wgpu.Texture
	view    *wgpu.TextureView
}

type bindMap struct {
	bufMap        mem.BinaryTreeMap[renderer.ResourceID, *bindMapBuffer]
	imageMap      mem.BinaryTreeMap[renderer.ResourceID, *bindMapImage]
	cpuImageMap   mem.BinaryTreeMap[renderer.ResourceID, *cpu.CPUImage]
	pendingClears mem.BinaryTreeMap[renderer.ResourceID, struct{}]
}

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

type transientBindMap struct {
	bufs      mem.BinaryTreeMap[renderer.ResourceID, transientBuf]
	images    mem.BinaryTreeMap[renderer.ResourceID, *wgpu.TextureView]
	cpuImages mem.BinaryTreeMap[renderer.ResourceID, *cpu.CPUImage]
}

type transientBufKind int

const (
	transientBufKindBytes transientBufKind = iota + 1
	transientBufKindBuffer
)

type transientBuf struct {
	kind   transientBufKind
	bytes  []byte
	buffer *wgpu.Buffer
}

func New(dev *wgpu.Device, options *RendererOptions) *Engine {
	eng := &Engine{
		Device: dev,
		pool: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
		downloads:    make(map[renderer.ResourceID]*wgpu.Buffer),
		downloadsCPU: make(map[renderer.ResourceID][]byte),
		UseCPU:       options.UseCPU,
	}
	eng.fullShaders = eng.newFullShaders()
	eng.buildShadersIfNeeded(1)
	if !options.UseCPU && options.SurfaceFormat != 0 {
		eng.blit = newBlitPipeline(eng.Device, options.SurfaceFormat)
	}
	return eng
}

func (eng *Engine) UseParallelInitialization() {
	if eng.shadersToInitialize != nil {
		return
	}
	eng.shadersToInitialize = []uninitializedShader{}
}

func (eng *Engine) buildShadersIfNeeded(numThreads int) {
	if eng.shadersToInitialize == nil {
		return
	}
	newShaders := eng.shadersToInitialize
	// XXX implement parallelism
	for _, s := range newShaders {
		sh := eng.createComputePipeline(s.Label, s.Wgsl, s.Entries)
		if int(s.ShaderID) >= len(eng.shaders) {
			if cap(eng.shaders) <= int(s.ShaderID) {
				c := make([]shader, s.ShaderID+1)
				copy(c, eng.shaders)
				eng.shaders = c
			} else {
				eng.shaders = eng.shaders[:s.ShaderID+1]
			}
		}
		eng.shaders[s.ShaderID] = shader{WGPU: &sh}
	}
}

func (eng *Engine) addShader(
	label string,
	wgsl []byte,
	layout []renderer.BindType,
	cpuKernel func(uint32, []cpu.CPUBinding),
) renderer.ShaderID {
	add := func(shader shader) renderer.ShaderID {
		id := len(eng.shaders)
		eng.shaders = append(eng.shaders, shader)
		return renderer.ShaderID(id)
	}

	if eng.UseCPU {
		if cpuKernel == nil {
			panic(fmt.Sprintf("shader %q has no CPU implementation", label))
		}
		return add(shader{
			Label: label,
			CPU:   &cpuShader{shader: cpuKernel},
		})
	}

	entries := computeBindGroupLayoutEntries(layout, wgpu.ShaderStageCompute)

	if eng.shadersToInitialize != nil {
		id := add(shader{Label: label})
		eng.shadersToInitialize = append(eng.shadersToInitialize, uninitializedShader{
			Wgsl:     wgsl,
			Label:    label,
			Entries:  entries,
			ShaderID: id,
		})
		return id
	}

	wgpu := eng.createComputePipeline(label, wgsl, entries)
	return add(shader{
		Label: label,
		WGPU:  &wgpu,
	})
}

func computeBindGroupLayoutEntries(layout []renderer.BindType, visibility wgpu.ShaderStage) []wgpu.BindGroupLayoutEntry {
	entries := make([]wgpu.BindGroupLayoutEntry, len(layout))
	for i, bindType := range layout {
		switch bindType.Type {
		case renderer.BindTypeBuffer, renderer.BindTypeBufReadOnly:
			var typ wgpu.BufferBindingType
			if bindType.Type == renderer.BindTypeBuffer {
				typ = wgpu.BufferBindingTypeStorage
			} else {
				typ = wgpu.BufferBindingTypeReadOnlyStorage
			}
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Buffer: &wgpu.BufferBindingLayout{
					Type:             typ,
					HasDynamicOffset: false,
					MinBindingSize:   0, // XXX 0 or Undefined?
				},
			}
		case renderer.BindTypeUniform:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Buffer: &wgpu.BufferBindingLayout{
					Type:             wgpu.BufferBindingTypeUniform,
					HasDynamicOffset: false,
					MinBindingSize:   0, // XXX 0 or Undefined?
				},
			}

		case renderer.BindTypeImage:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				StorageTexture: &wgpu.StorageTextureBindingLayout{
					Access:        wgpu.StorageTextureAccessWriteOnly,
					Format:        imageFormatToWGPU(bindType.ImageFormat),
					ViewDimension: wgpu.TextureViewDimension2D,
				},
			}

		case renderer.BindTypeImageRead:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Texture: &wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleTypeFloat,
					ViewDimension: wgpu.TextureViewDimension2D,
					Multisampled:  false,
				},
			}

		default:
			panic(fmt.Sprintf("invalid bind type %d", bindType.Type))
		}
	}
	return entries
}

func (eng *Engine) addDrawShader(
	label string,
	wgsl []byte,
	layout []renderer.BindType,
	images int,
) renderer.DrawShaderID {
	id := renderer.DrawShaderID(len(eng.draws))
	if eng.UseCPU {
		// The CPU engine rasterizes Draw commands directly; only the label
		// is needed.
		eng.draws = append(eng.draws, drawShader{label: label})
		return id
	}

	module := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	dataLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: computeBindGroupLayoutEntries(layout, wgpu.ShaderStageVertex|wgpu.ShaderStageFragment),
	})
	texEntries := make([]wgpu.BindGroupLayoutEntry, 1+images)
	texEntries[0] = wgpu.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: wgpu.ShaderStageFragment,
		Sampler: &wgpu.SamplerBindingLayout{
			Type: wgpu.SamplerBindingTypeFiltering,
		},
	}
	for i := range images {
		texEntries[i+1] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: wgpu.ShaderStageFragment,
			Texture: &wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeFloat,
				ViewDimension: wgpu.TextureViewDimension2DArray,
				Multisampled:  false,
			},
		}
	}
	texLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: texEntries,
	})
	pipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{dataLayout, texLayout},
	})
	sampler := eng.Device.CreateSampler(&wgpu.SamplerDescriptor{
		Label:        label,
		AddressModeU: wgpu.AddressModeClampToEdge,
		AddressModeV: wgpu.AddressModeClampToEdge,
		AddressModeW: wgpu.AddressModeClampToEdge,
		MagFilter:    wgpu.FilterModeLinear,
		MinFilter:    wgpu.FilterModeLinear,
		MipmapFilter: wgpu.MipmapFilterModeNearest,
	})

	eng.draws = append(eng.draws, drawShader{
		label:      label,
		module:     module,
		layout:     pipelineLayout,
		dataLayout: dataLayout,
		texLayout:  texLayout,
		sampler:    sampler,
		pipelines:  make(map[wgpu.TextureFormat]*wgpu.RenderPipeline),
	})
	return id
}

func (s *drawShader) pipeline(dev *wgpu.Device, format wgpu.TextureFormat) *wgpu.RenderPipeline {
	if p, ok := s.pipelines[format]; ok {
		return p
	}
	p := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  s.label,
		Layout: s.layout,
		Vertex: &wgpu.VertexState{
			Module:     s.module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     s.module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format: format,
					Blend: &wgpu.BlendState{
						Color: wgpu.BlendComponent{
							SrcFactor: wgpu.BlendFactorSrcAlpha,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
							Operation: wgpu.BlendOperationAdd,
						},
						Alpha: wgpu.BlendComponent{
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
							Operation: wgpu.BlendOperationAdd,
						},
					},
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: &wgpu.PrimitiveState{
			Topology:         wgpu.PrimitiveTopologyTriangleStrip,
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
			CullMode:         wgpu.CullModeNone,
		},
		Multisample: &wgpu.MultisampleState{
			Count:                  1,
			Mask:                   ^uint32(0),
			AlphaToCoverageEnabled: false,
		},
	})
	s.pipelines[format] = p
	return p
}

func (eng *Engine) RunRecording(
	arena *mem.Arena,
	queue *wgpu.Queue,
	recording *renderer.Recording,
	externalResources []ExternalResource,
	label string,
	pgroup *ProfilerGroup,
) {
	if eng.UseCPU {
		eng.runRecordingCPU(arena, recording, externalResources)
		return
	}

	pgroup = pgroup.Nest("RunRecording")
	defer pgroup.End()

	var freeBufs, freeImages mem.BinaryTreeMap[renderer.ResourceID, struct{}]
	transientMap := newTransientBindMap(arena, externalResources)
	bindMap := bindMap{}

	encoder := eng.Device.CreateCommandEncoder(mem.Make(arena, wgpu.CommandEncoderDescriptor{Label: label}))

	for _, cmd := range recording.Commands {
		switch cmd := cmd.(type) {
		case *renderer.Upload:
			bufProxy := cmd.Buffer
			bytes := cmd.Data
			transientMap.bufs.Insert(arena, bufProxy.ID, transientBuf{kind: transientBufKindBytes, bytes: bytes})
			usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst | wgpu.BufferUsageStorage
			buf := eng.pool.getBuf(bufProxy.Size, bufProxy.Name, usage, eng.Device)
			queue.WriteBuffer(buf, 0, bytes)
			bindMap.insertBuf(arena, bufProxy, buf)

		case *renderer.UploadUniform:
			bufProxy := cmd.Buffer
			bytes := cmd.Data
			transientMap.bufs.Insert(arena, bufProxy.ID, transientBuf{kind: transientBufKindBytes, bytes: bytes})
			usage := wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
			buf := eng.pool.getBuf(bufProxy.Size, bufProxy.Name, usage, eng.Device)
			queue.WriteBuffer(buf, 0, bytes)
			bindMap.insertBuf(arena, bufProxy, buf)

		case *renderer.UploadImage:
			imageProxy := cmd.Image
			bytes := cmd.Data
			format := imageFormatToWGPU(imageProxy.Format)
			blockSize, ok := format.BlockCopySize(wgpu.TextureAspectAll)
			if !ok {
				panic("image format must have a valid block size")
			}
			texture, _ := bindMap.getOrCreateImage(arena, imageProxy, eng.Device)
			queue.WriteTexture(
				mem.Make(arena, wgpu.ImageCopyTexture{
					Texture:  texture,
					MipLevel: 0,
					Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: 0},
					Aspect:   wgpu.TextureAspectAll,
				}),
				bytes,
				mem.Make(arena, wgpu.TextureDataLayout{
					Offset:       0,
					BytesPerRow:  imageProxy.Width * blockSize,
					RowsPerImage: imageProxy.Height,
				}),
				mem.Make(arena, wgpu.Extent3D{
					Width:              imageProxy.Width,
					Height:             imageProxy.Height,
					DepthOrArrayLayers: imageProxy.Layers,
				}),
			)

		case *renderer.Dispatch:
			shaderID := cmd.Shader
			wgSize := cmd.WorkgroupSize
			bindings := cmd.Bindings
			shader := eng.shaders[shaderID]
			switch s := shader.Select().(type) {
			case *wgpuShader:
				bindGroup := transientMap.createBindGroup(
					arena,
					&bindMap,
					&eng.pool,
					eng.Device,
					queue,
					encoder,
					s.bindGroupLayout,
					bindings,
				)

				cpass := encoder.BeginComputePass(mem.Make(arena, wgpu.ComputePassDescriptor{
					Label:           shader.Label,
					TimestampWrites: pgroup.Compute(arena, shader.Label),
				}))

				cpass.SetPipeline(s.pipeline)
				cpass.SetBindGroup(0, bindGroup, nil)
				cpass.DispatchWorkgroups(wgSize[0], wgSize[1], wgSize[2])
				cpass.End()
				bindGroup.Release()
				cpass.Release()
			default:
				panic(fmt.Sprintf("unhandled type %T", s))
			}

		case *renderer.Draw:
			s := &eng.draws[cmd.Shader]
			bindGroup := transientMap.createBindGroup(
				arena,
				&bindMap,
				&eng.pool,
				eng.Device,
				queue,
				encoder,
				s.dataLayout,
				cmd.Bindings,
			)

			transientMap.materializeGPUBufForIndirect(
				&bindMap,
				&eng.pool,
				eng.Device,
				queue,
				cmd.Indirect,
			)
			indirectBuf, ok := bindMap.getGPUBuf(cmd.Indirect.ID)
			if !ok {
				panic("tried using unavailable buffer for indirect draw")
			}

			texEntries := mem.NewSlice[[]wgpu.BindGroupEntry](arena, 1+len(cmd.Images), 1+len(cmd.Images))
			texEntries[0] = wgpu.BindGroupEntry{
				Binding: 0,
				Sampler: s.sampler,
			}
			arrayViews := mem.NewSlice[[]*wgpu.TextureView](arena, len(cmd.Images), len(cmd.Images))
			for i, img := range cmd.Images {
				texture, _ := bindMap.getOrCreateImage(arena, img, eng.Device)
				// Sampled bindings always view the full array, even for a
				// single layer.
				view := texture.CreateView(mem.Make(arena, wgpu.TextureViewDescriptor{
					Dimension:       wgpu.TextureViewDimension2DArray,
					Aspect:          wgpu.TextureAspectAll,
					MipLevelCount:   ^uint32(0),
					ArrayLayerCount: ^uint32(0),
					BaseMipLevel:    0,
					BaseArrayLayer:  0,
					Format:          imageFormatToWGPU(img.Format),
				}))
				arrayViews[i] = view
				texEntries[i+1] = wgpu.BindGroupEntry{
					Binding:     uint32(i + 1),
					TextureView: view,
					Size:        ^uint64(0),
				}
			}
			texBindGroup := eng.Device.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
				Layout:  s.texLayout,
				Entries: texEntries,
			}))

			targetView, ok := transientMap.images.Get(cmd.Target.ID)
			if !ok {
				_, targetView = bindMap.getOrCreateImage(arena, cmd.Target, eng.Device)
			}

			c := cmd.ClearColor
			rpass := encoder.BeginRenderPass(mem.Make(arena, wgpu.RenderPassDescriptor{
				ColorAttachments: []wgpu.RenderPassColorAttachment{
					{
						View:       targetView,
						LoadOp:     wgpu.LoadOpClear,
						StoreOp:    wgpu.StoreOpStore,
						ClearValue: wgpu.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2]), A: float64(c[3])},
					},
				},
				TimestampWrites: pgroup.Render(arena, s.label),
			}))

			rpass.SetPipeline(s.pipeline(eng.Device, imageFormatToWGPU(cmd.Target.Format)))
			rpass.SetBindGroup(0, bindGroup, nil)
			rpass.SetBindGroup(1, texBindGroup, nil)
			rpass.DrawIndirect(indirectBuf, 0)
			rpass.End()
			rpass.Release()
			bindGroup.Release()
			texBindGroup.Release()
			for _, view := range arrayViews {
				view.Release()
			}

		case *renderer.Download:
			proxy := cmd.Buffer
			srcBuf, ok := bindMap.getGPUBuf(proxy.ID)
			if !ok {
				panic("tried using unavailable buffer for download")
			}
			usage := wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
			buf := eng.pool.getBuf(proxy.Size, "download", usage, eng.Device)
			encoder.CopyBufferToBuffer(srcBuf, 0, buf, 0, proxy.Size)
			eng.downloads[proxy.ID] = buf

		case *renderer.Clear:
			proxy := cmd.Buffer
			offset := cmd.Offset
			size := cmd.Size
			if buf, ok := bindMap.getBuf(proxy); ok {
				switch b := buf.Buffer.(type) {
				case *wgpu.Buffer:
					encoder.ClearBuffer(b, offset, uint64(size))
				case []byte:
					slice := b[offset:]
					if size >= 0 {
						slice = slice[:size]
					}
					clear(slice)
				default:
					panic(fmt.Sprintf("unhandled type %T", b))
				}
			} else {
				bindMap.pendingClears.Insert(arena, proxy.ID, struct{}{})
			}

		case *renderer.FreeBuffer:
			freeBufs.Insert(arena, cmd.Buffer.ID, struct{}{})

		case *renderer.FreeImage:
			freeImages.Insert(arena, cmd.Image.ID, struct{}{})

		default:
			panic(fmt.Sprintf("unhandled command %T", cmd))
		}
	}

	cmd := encoder.Finish(nil)
	encoder.Release()
	queue.Submit(cmd)
	cmd.Release()

	for id := range freeBufs.Keys() {
		buf, ok := bindMap.bufMap.Get(id)
		if ok {
			bindMap.bufMap.Delete(id)
			if gpuBuf, ok := buf.Buffer.(*wgpu.Buffer); ok {
				props := bufferProperties{
					size:   gpuBuf.Size(),
					usages: gpuBuf.Usage(),
				}
				// TODO: add a method to resourcePool to return buffers
				eng.pool.bufs[props] = append(eng.pool.bufs[props], gpuBuf)
			}
		}
	}
	for id := range freeImages.Keys() {
		tex, ok := bindMap.imageMap.Get(id)
		if ok {
			bindMap.imageMap.Delete(id)
			// TODO: have a pool to avoid needless re-allocation
			tex.texture.Release()
			tex.view.Release()
		}
	}
}

func (eng *Engine) getDownload(buf renderer.BufferProxy) (*wgpu.Buffer, bool) {
	got, ok := eng.downloads[buf.ID]
	return got, ok
}

func (eng *Engine) freeDownload(buf renderer.BufferProxy) {
	delete(eng.downloads, buf.ID)
}

// CPUDownload returns the bytes a Download command captured when running on
// the CPU engine.
func (eng *Engine) CPUDownload(buf renderer.BufferProxy) ([]byte, bool) {
	got, ok := eng.downloadsCPU[buf.ID]
	return got, ok
}

func (eng *Engine) FreeCPUDownload(buf renderer.BufferProxy) {
	delete(eng.downloadsCPU, buf.ID)
}

func (eng *Engine) createComputePipeline(
	label string,
	wgsl []byte,
	entries []wgpu.BindGroupLayoutEntry,
) wgpuShader {
	// OPT: use SPIR-V instead of WGSL for faster engine creation.
	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	bindGroupLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: entries,
	})
	computePipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	pipeline := eng.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: computePipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shaderModule,
			EntryPoint: "main",
			// XXX compilation_options
		},
	})
	computePipelineLayout.Release()

	return wgpuShader{
		label:           label,
		pipeline:        pipeline,
		bindGroupLayout: bindGroupLayout,
	}
}

func (m *bindMap) insertBuf(arena *mem.Arena, proxy renderer.BufferProxy, buffer *wgpu.Buffer) {
	m.bufMap.Insert(arena, proxy.ID, &bindMapBuffer{
		Buffer: buffer,
		Label:  proxy.Name,
	})
}

func (m *bindMap) getGPUBuf(id renderer.ResourceID) (*wgpu.Buffer, bool) {
	mbuf, ok := m.bufMap.Get(id)
	if !ok {
		return nil, false
	}
	buf, ok := mbuf.Buffer.(*wgpu.Buffer)
	return buf, ok
}

func (m *bindMap) materializeCPUBuf(arena *mem.Arena, proxy renderer.BufferProxy) {
	if _, ok := m.bufMap.Get(proxy.ID); !ok {
		buffer := make([]byte, proxy.Size)
		m.bufMap.Insert(arena, proxy.ID, &bindMapBuffer{
			Buffer: buffer,
			Label:  proxy.Name,
		})
	}
}

func (m *bindMap) getBuf(proxy renderer.BufferProxy) (*bindMapBuffer, bool) {
	b, ok := m.bufMap.Get(proxy.ID)
	return b, ok
}

func (m *bindMap) getOrCreateImage(
	arena *mem.Arena,
	proxy renderer.ImageProxy,
	dev *wgpu.Device,
) (*wgpu.Texture, *wgpu.TextureView) {
	if entry, ok := m.imageMap.Get(proxy.ID); ok {
		return entry.texture, entry.view
	}

	format := imageFormatToWGPU(proxy.Format)
	texture := dev.CreateTexture(&wgpu.TextureDescriptor{
		Size: wgpu.Extent3D{
			Width:              proxy.Width,
			Height:             proxy.Height,
			DepthOrArrayLayers: proxy.Layers,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst | wgpu.TextureUsageRenderAttachment,
		Format:        format,
	})
	viewDimension := wgpu.TextureViewDimension2D
	if proxy.Layers > 1 {
		viewDimension = wgpu.TextureViewDimension2DArray
	}
	textureView := texture.CreateView(&wgpu.TextureViewDescriptor{
		Dimension:       viewDimension,
		Aspect:          wgpu.TextureAspectAll,
		MipLevelCount:   ^uint32(0),
		BaseMipLevel:    0,
		BaseArrayLayer:  0,
		ArrayLayerCount: ^uint32(0),
		Format:          format,
	})
	m.imageMap.Insert(arena, proxy.ID, &bindMapImage{
		texture, textureView,
	})

	return texture, textureView
}

func (pool *resourcePool) getBuf(
	size uint64,
	name string,
	usage wgpu.BufferUsage,
	dev *wgpu.Device,
) *wgpu.Buffer {
	const sizeClassBits = 1

	roundedSize := poolSizeClass(size, sizeClassBits)
	props := bufferProperties{
		size:   roundedSize,
		usages: usage,
	}
	if bufVec, ok := pool.bufs[props]; ok {
		if len(bufVec) > 0 {
			buf := bufVec[len(bufVec)-1]
			bufVec = bufVec[:len(bufVec)-1]
			pool.bufs[props] = bufVec
			return buf
		}
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  roundedSize,
		Usage: usage,
	})
}

func poolSizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	} else {
		return 1 << numBits
	}
}

func (b *bindMapBuffer) uploadIfNeeded(
	proxy renderer.BufferProxy,
	dev *wgpu.Device,
	queue *wgpu.Queue,
	pool *resourcePool,
) {
	cpuBuf, ok := b.Buffer.([]byte)
	if !ok {
		return
	}
	usage := wgpu.BufferUsageCopySrc |
		wgpu.BufferUsageCopyDst |
		wgpu.BufferUsageStorage |
		wgpu.BufferUsageIndirect
	buf := pool.getBuf(proxy.Size, proxy.Name, usage, dev)
	queue.WriteBuffer(buf, 0, cpuBuf)
	b.Buffer = buf
}

func newTransientBindMap(arena *mem.Arena, externalResources []ExternalResource) transientBindMap {
	bufs := mem.BinaryTreeMap[renderer.ResourceID, transientBuf]{}
	images := mem.BinaryTreeMap[renderer.ResourceID, *wgpu.TextureView]{}
	cpuImages := mem.BinaryTreeMap[renderer.ResourceID, *cpu.CPUImage]{}
	for _, res := range externalResources {
		switch res := res.(type) {
		case ExternalBuffer:
			bufs.Insert(arena, res.Proxy.ID, transientBuf{kind: transientBufKindBuffer, buffer: res.Buffer})
		case ExternalImage:
			images.Insert(arena, res.Proxy.ID, res.View)
		case ExternalCPUImage:
			cpuImages.Insert(arena, res.Proxy.ID, res.Image)
		}
	}
	return transientBindMap{
		bufs:      bufs,
		images:    images,
		cpuImages: cpuImages,
	}
}

func (m *transientBindMap) materializeGPUBufForIndirect(
	bindMap *bindMap,
	pool *resourcePool,
	dev *wgpu.Device,
	queue *wgpu.Queue,
	buf renderer.BufferProxy,
) {
	if _, ok := m.bufs.Get(buf.ID); ok {
		return
	}
	if b, ok := bindMap.bufMap.Get(buf.ID); ok {
		b.uploadIfNeeded(buf, dev, queue, pool)
	}
}

func (m *transientBindMap) createBindGroup(
	arena *mem.Arena,
	bindMap *bindMap,
	pool *resourcePool,
	dev *wgpu.Device,
	queue *wgpu.Queue,
	encoder *wgpu.CommandEncoder,
	layout *wgpu.BindGroupLayout,
	bindings []renderer.ResourceProxy,
) *wgpu.BindGroup {
	for _, proxy := range bindings {
		switch proxy.Kind {
		case renderer.ResourceProxyKindBuffer:
			if _, ok := m.bufs.Get(proxy.BufferProxy.ID); ok {
				continue
			}
			if o, ok := bindMap.bufMap.Get(proxy.BufferProxy.ID); ok {
				o.uploadIfNeeded(proxy.BufferProxy, dev, queue, pool)
			} else {
				// TODO: only some buffers will need indirect, but does it hurt?
				usage := wgpu.BufferUsageCopySrc |
					wgpu.BufferUsageCopyDst |
					wgpu.BufferUsageStorage |
					wgpu.BufferUsageIndirect
				buf := pool.getBuf(proxy.Size, proxy.Name, usage, dev)
				if _, ok := bindMap.pendingClears.Get(proxy.BufferProxy.ID); ok {
					bindMap.pendingClears.Delete(proxy.BufferProxy.ID)
					encoder.ClearBuffer(buf, 0, buf.Size())
				}
				bindMap.bufMap.Insert(arena, proxy.BufferProxy.ID, &bindMapBuffer{
					Buffer: buf,
					Label:  proxy.Name,
				})
			}
		case renderer.ResourceProxyKindImage:
			if _, ok := m.images.Get(proxy.ImageProxy.ID); ok {
				continue
			}
			bindMap.getOrCreateImage(arena, proxy.ImageProxy, dev)
		default:
			panic(fmt.Sprintf("unhandled type %d", proxy.Kind))
		}
	}

	entries := mem.NewSlice[[]wgpu.BindGroupEntry](arena, len(bindings), len(bindings))
	for i, proxy := range bindings {
		switch proxy.Kind {
		case renderer.ResourceProxyKindBuffer:
			var buf *wgpu.Buffer
			b, _ := m.bufs.Get(proxy.BufferProxy.ID)
			switch b.kind {
			case transientBufKindBuffer:
				buf = b.buffer
			default:
				var ok bool
				buf, ok = bindMap.getGPUBuf(proxy.BufferProxy.ID)
				if !ok {
					panic("unexpected ok == false")
				}
			}
			entries[i] = wgpu.BindGroupEntry{
				Binding: uint32(i),
				Buffer:  buf,
				Size:    ^uint64(0),
			}
		case renderer.ResourceProxyKindImage:
			view, ok := m.images.Get(proxy.ImageProxy.ID)
			if !ok {
				img, ok := bindMap.imageMap.Get(proxy.ImageProxy.ID)
				if !ok {
					panic("unexpected ok == false")
				}
				view = img.view
			}
			entries[i] = wgpu.BindGroupEntry{
				Binding:     uint32(i),
				TextureView: view,
				Size:        ^uint64(0),
			}
		default:
			panic(fmt.Sprintf("unhandled type %T", proxy))
		}
	}

	return dev.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout:  layout,
		Entries: entries,
	}))
}
