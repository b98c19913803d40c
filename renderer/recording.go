// Package renderer builds frame recordings: flat lists of commands that an
// engine replays against a GPU (or the CPU fallback). Resources are referred
// to by proxies so a recording can be constructed without touching wgpu.
package renderer

import (
	"fmt"
	"sync/atomic"

	"github.com/helgev-traP/matcha/mem"
)

var resourceID atomic.Uint64

func nextResourceID() ResourceID {
	return ResourceID(resourceID.Add(1))
}

type ResourceID uint64

type ResourceProxyKind int

const (
	ResourceProxyKindBuffer ResourceProxyKind = iota + 1
	ResourceProxyKindImage
)

type ResourceProxy struct {
	Kind ResourceProxyKind
	BufferProxy
	ImageProxy
}

type Recording struct {
	Commands []Command
}

func (rec *Recording) push(arena *mem.Arena, cmd Command) {
	rec.Commands = mem.Append(arena, rec.Commands, cmd)
}

func (rec *Recording) Upload(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, Upload{buf, data}))
	return buf
}

func (rec *Recording) UploadUniform(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, UploadUniform{buf, data}))
	return buf
}

func (rec *Recording) UploadImage(arena *mem.Arena, width, height, layers uint32, format ImageFormat, data []byte) ImageProxy {
	imageProxy := NewImageProxy(width, height, layers, format)
	rec.push(arena, mem.Make(arena, UploadImage{imageProxy, data}))
	return imageProxy
}

func (rec *Recording) Dispatch(arena *mem.Arena, shader ShaderID, wgSize [3]uint32, resources []ResourceProxy) {
	rec.push(arena, mem.Make(arena, Dispatch{shader, wgSize, resources}))
}

// Draw records an indirect draw of shader into target. The draw arguments
// are read from the indirect buffer on the GPU timeline, which is what lets
// a compute pass earlier in the same recording decide the instance count.
func (rec *Recording) Draw(
	arena *mem.Arena,
	shader DrawShaderID,
	target ImageProxy,
	indirect BufferProxy,
	clearColor [4]float32,
	resources []ResourceProxy,
	images []ImageProxy,
) {
	rec.push(arena, mem.Make(arena, Draw{shader, target, indirect, clearColor, resources, images}))
}

func (rec *Recording) Download(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, Download{buf}))
}

func (rec *Recording) ClearAll(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, Clear{buf, 0, -1}))
}

func (rec *Recording) FreeBuffer(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, FreeBuffer{buf}))
}

func (rec *Recording) FreeImage(arena *mem.Arena, image ImageProxy) {
	rec.push(arena, mem.Make(arena, FreeImage{image}))
}

func (rec *Recording) FreeResource(arena *mem.Arena, resource ResourceProxy) {
	switch resource.Kind {
	case ResourceProxyKindBuffer:
		rec.FreeBuffer(arena, resource.BufferProxy)
	case ResourceProxyKindImage:
		rec.FreeImage(arena, resource.ImageProxy)
	default:
		panic(fmt.Sprintf("unhandled type %T", resource))
	}
}

func NewBufferProxy(size uint64, name string) BufferProxy {
	id := nextResourceID()
	return BufferProxy{size, id, name}
}

func NewImageProxy(width, height, layers uint32, format ImageFormat) ImageProxy {
	id := nextResourceID()
	return ImageProxy{
		Width:  width,
		Height: height,
		Layers: layers,
		Format: format,
		ID:     id,
	}
}

type BufferProxy struct {
	Size uint64
	ID   ResourceID
	Name string
}

func (p BufferProxy) Resource() ResourceProxy {
	return ResourceProxy{
		Kind:        ResourceProxyKindBuffer,
		BufferProxy: p,
	}
}

type ImageFormat int

const (
	Rgba8 ImageFormat = iota
	Bgra8
	Alpha8
)

// Bytes returns the size of one texel in the format.
func (f ImageFormat) Bytes() uint32 {
	switch f {
	case Rgba8, Bgra8:
		return 4
	case Alpha8:
		return 1
	default:
		panic(fmt.Sprintf("unhandled format %d", f))
	}
}

// ImageProxy describes a 2D array texture. Layers is at least 1; sampled
// bindings always view the full array.
type ImageProxy struct {
	Width  uint32
	Height uint32
	Layers uint32
	Format ImageFormat
	ID     ResourceID
}

func (p ImageProxy) Resource() ResourceProxy {
	return ResourceProxy{
		Kind:       ResourceProxyKindImage,
		ImageProxy: p,
	}
}

type ShaderID int

type DrawShaderID int

type Command interface {
	isCommand()
}

func (*Upload) isCommand()        {}
func (*UploadUniform) isCommand() {}
func (*UploadImage) isCommand()   {}
func (*Dispatch) isCommand()      {}
func (*Draw) isCommand()          {}
func (*Download) isCommand()      {}
func (*Clear) isCommand()         {}
func (*FreeBuffer) isCommand()    {}
func (*FreeImage) isCommand()     {}

type BindTypeType int

const (
	BindTypeBuffer BindTypeType = iota + 1
	BindTypeBufReadOnly
	BindTypeUniform
	BindTypeImage
	BindTypeImageRead
)

type BindType struct {
	Type        BindTypeType
	ImageFormat ImageFormat
}

type Upload struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadUniform struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadImage struct {
	Image ImageProxy
	Data  []byte
}

type Dispatch struct {
	Shader        ShaderID
	WorkgroupSize [3]uint32
	Bindings      []ResourceProxy
}

// Draw runs an indirect instanced draw. The render pass clears the target to
// ClearColor before drawing; Bindings feed the vertex and fragment stages in
// declaration order, Images are bound as sampled array textures after them.
type Draw struct {
	Shader     DrawShaderID
	Target     ImageProxy
	Indirect   BufferProxy
	ClearColor [4]float32
	Bindings   []ResourceProxy
	Images     []ImageProxy
}

type Download struct {
	Buffer BufferProxy
}

type Clear struct {
	Buffer BufferProxy
	Offset uint64
	Size   int64
}

type FreeBuffer struct {
	Buffer BufferProxy
}

type FreeImage struct {
	Image ImageProxy
}
