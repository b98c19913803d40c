package wgpu_engine

import (
	"fmt"

	"honnef.co/go/safeish"

	"github.com/helgev-traP/matcha/engine/wgpu_engine/shaders/cpu"
	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/renderer"
)

// runRecordingCPU replays a recording against the CPU kernels. Buffers are
// plain byte slices, images are cpu.CPUImages; there is no device and no
// queue.
func (eng *Engine) runRecordingCPU(
	arena *mem.Arena,
	recording *renderer.Recording,
	externalResources []ExternalResource,
) {
	transientMap := newTransientBindMap(arena, externalResources)
	bindMap := bindMap{}

	for _, cmd := range recording.Commands {
		switch cmd := cmd.(type) {
		case *renderer.Upload, *renderer.UploadUniform:
			var proxy renderer.BufferProxy
			var data []byte
			switch cmd := cmd.(type) {
			case *renderer.Upload:
				proxy, data = cmd.Buffer, cmd.Data
			case *renderer.UploadUniform:
				proxy, data = cmd.Buffer, cmd.Data
			}
			// Kernels may write to storage bindings, so don't alias the
			// caller's data.
			buf := make([]byte, len(data))
			copy(buf, data)
			bindMap.bufMap.Insert(arena, proxy.ID, &bindMapBuffer{
				Buffer: buf,
				Label:  proxy.Name,
			})

		case *renderer.UploadImage:
			proxy := cmd.Image
			img := cpu.NewCPUImage(proxy.Width, proxy.Height, proxy.Layers, proxy.Format)
			copy(img.Pixels, cmd.Data)
			bindMap.cpuImageMap.Insert(arena, proxy.ID, img)

		case *renderer.Dispatch:
			shader := eng.shaders[cmd.Shader]
			s, ok := shader.Select().(*cpuShader)
			if !ok {
				panic(fmt.Sprintf("dispatch of %q on a CPU engine without a CPU kernel", shader.Label))
			}
			resources := createCPUResources(arena, &bindMap, &transientMap, cmd.Bindings)
			s.shader(cmd.WorkgroupSize[0], resources)

		case *renderer.Draw:
			eng.drawCPU(arena, &bindMap, &transientMap, cmd)

		case *renderer.Download:
			buf := bindMap.cpuBuf(arena, &transientMap, cmd.Buffer)
			out := make([]byte, len(buf))
			copy(out, buf)
			eng.downloadsCPU[cmd.Buffer.ID] = out

		case *renderer.Clear:
			buf := bindMap.cpuBuf(arena, &transientMap, cmd.Buffer)
			slice := buf[cmd.Offset:]
			if cmd.Size >= 0 {
				slice = slice[:cmd.Size]
			}
			clear(slice)

		case *renderer.FreeBuffer:
			bindMap.bufMap.Delete(cmd.Buffer.ID)

		case *renderer.FreeImage:
			bindMap.cpuImageMap.Delete(cmd.Image.ID)

		default:
			panic(fmt.Sprintf("unhandled command %T", cmd))
		}
	}
}

// cpuBuf returns the bytes backing a buffer proxy, materializing a zeroed
// buffer on first use.
func (m *bindMap) cpuBuf(arena *mem.Arena, transientMap *transientBindMap, proxy renderer.BufferProxy) []byte {
	if tbuf, ok := transientMap.bufs.Get(proxy.ID); ok && tbuf.kind == transientBufKindBytes {
		return tbuf.bytes
	}
	m.materializeCPUBuf(arena, proxy)
	b, _ := m.bufMap.Get(proxy.ID)
	buf, ok := b.Buffer.([]byte)
	if !ok {
		panic(fmt.Sprintf("buffer %q is not CPU-backed", proxy.Name))
	}
	return buf
}

func (m *bindMap) cpuImage(arena *mem.Arena, transientMap *transientBindMap, proxy renderer.ImageProxy) *cpu.CPUImage {
	if img, ok := transientMap.cpuImages.Get(proxy.ID); ok {
		return img
	}
	if img, ok := m.cpuImageMap.Get(proxy.ID); ok {
		return img
	}
	img := cpu.NewCPUImage(proxy.Width, proxy.Height, proxy.Layers, proxy.Format)
	m.cpuImageMap.Insert(arena, proxy.ID, img)
	return img
}

func createCPUResources(
	arena *mem.Arena,
	bindMap *bindMap,
	transientMap *transientBindMap,
	bindings []renderer.ResourceProxy,
) []cpu.CPUBinding {
	resources := mem.NewSlice[[]cpu.CPUBinding](arena, len(bindings), len(bindings))
	for i, proxy := range bindings {
		switch proxy.Kind {
		case renderer.ResourceProxyKindBuffer:
			resources[i] = cpu.CPUBuffer(bindMap.cpuBuf(arena, transientMap, proxy.BufferProxy))
		case renderer.ResourceProxyKindImage:
			resources[i] = bindMap.cpuImage(arena, transientMap, proxy.ImageProxy)
		default:
			panic(fmt.Sprintf("unhandled type %d", proxy.Kind))
		}
	}
	return resources
}

// drawCPU assembles one indirect draw's resources and hands them to the CPU
// rasterizer. The binding order matches the render kernel's group 0 layout:
// config, instances, stencils, visible.
func (eng *Engine) drawCPU(
	arena *mem.Arena,
	bindMap *bindMap,
	transientMap *transientBindMap,
	cmd *renderer.Draw,
) {
	if len(cmd.Bindings) != 4 || len(cmd.Images) != 2 {
		panic(fmt.Sprintf("unexpected draw layout: %d bindings, %d images", len(cmd.Bindings), len(cmd.Images)))
	}

	in := cpu.DrawInput{
		Config: safeish.Cast[*renderer.CullConfig](
			&bindMap.cpuBuf(arena, transientMap, cmd.Bindings[0].BufferProxy)[0]),
		Instances: safeish.SliceCast[[]renderer.InstanceRecord](
			bindMap.cpuBuf(arena, transientMap, cmd.Bindings[1].BufferProxy)),
		Stencils: safeish.SliceCast[[]renderer.StencilRecord](
			bindMap.cpuBuf(arena, transientMap, cmd.Bindings[2].BufferProxy)),
		Visible: safeish.SliceCast[[]uint32](
			bindMap.cpuBuf(arena, transientMap, cmd.Bindings[3].BufferProxy)),
		Args: *safeish.Cast[*renderer.DrawIndirectArgs](
			&bindMap.cpuBuf(arena, transientMap, cmd.Indirect)[0]),
		Texture:    bindMap.cpuImage(arena, transientMap, cmd.Images[0]),
		Stencil:    bindMap.cpuImage(arena, transientMap, cmd.Images[1]),
		Target:     bindMap.cpuImage(arena, transientMap, cmd.Target),
		ClearColor: cmd.ClearColor,
	}
	cpu.Draw(&in)
}
