package renderer

import (
	"errors"
	"testing"

	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/mmath"
	"github.com/helgev-traP/matcha/profiler"
)

var testShaders = FullShaders{Cull: 0, Command: 1, Draw: 0}

func testScene(n int, stencils int) SceneBuffers {
	s := SceneBuffers{
		Instances: make([]InstanceRecord, n),
		Stencils:  make([]StencilRecord, stencils),
	}
	for i := range s.Instances {
		s.Instances[i] = InstanceRecord{
			Transform: mmath.Identity,
			AtlasSize: [2]float32{1, 1},
		}
	}
	for i := range s.Stencils {
		s.Stencils[i] = StencilRecord{
			Transform:        mmath.Identity,
			InverseExists:    1,
			InverseTransform: mmath.Identity,
			AtlasSize:        [2]float32{1, 1},
		}
	}
	return s
}

func commandTypes(rec *Recording) []string {
	var out []string
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *Upload:
			out = append(out, "upload")
		case *UploadUniform:
			out = append(out, "uniform")
		case *UploadImage:
			out = append(out, "image")
		case *Dispatch:
			out = append(out, "dispatch")
		case *Draw:
			out = append(out, "draw")
		case *Download:
			out = append(out, "download")
		case *Clear:
			out = append(out, "clear")
		case *FreeBuffer:
			out = append(out, "free-buffer")
		case *FreeImage:
			out = append(out, "free-image")
		default:
			_ = cmd
			out = append(out, "unknown")
		}
	}
	return out
}

func TestRenderQuadsRecording(t *testing.T) {
	arena := mem.NewArena()
	var rec Recording
	params := &RenderParams{Width: 64, Height: 64}
	target, err := RenderQuads(arena, &rec, &testShaders, testScene(130, 1),
		AtlasData{}, AtlasData{}, params, profiler.Nop{})
	if err != nil {
		t.Fatal(err)
	}
	if target.Width != 64 || target.Height != 64 || target.Format != Rgba8 {
		t.Errorf("target = %dx%d format %d, want 64x64 Rgba8", target.Width, target.Height, target.Format)
	}

	want := []string{
		"uniform", "upload", "upload", // config, instances, stencils
		"image", "image", // texture and stencil atlases
		"clear",             // counter
		"dispatch",          // cull
		"dispatch",          // command
		"draw",              //
		"free-buffer", "free-buffer", "free-buffer", "free-buffer", "free-buffer",
		"free-image", "free-image",
	}
	got := commandTypes(&rec)
	if len(got) != len(want) {
		t.Fatalf("recorded %d commands %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d is %s, want %s (full sequence %v)", i, got[i], want[i], got)
		}
	}

	// 130 instances at workgroup size 64 need 3 workgroups.
	cull := rec.Commands[6].(*Dispatch)
	if cull.WorkgroupSize != [3]uint32{3, 1, 1} {
		t.Errorf("cull dispatch %v, want {3 1 1}", cull.WorkgroupSize)
	}
	if len(cull.Bindings) != 5 {
		t.Errorf("cull dispatch has %d bindings, want 5", len(cull.Bindings))
	}
	command := rec.Commands[7].(*Dispatch)
	if command.WorkgroupSize != [3]uint32{1, 1, 1} {
		t.Errorf("command dispatch %v, want {1 1 1}", command.WorkgroupSize)
	}
	draw := rec.Commands[8].(*Draw)
	if len(draw.Bindings) != 4 || len(draw.Images) != 2 {
		t.Errorf("draw has %d bindings and %d images, want 4 and 2", len(draw.Bindings), len(draw.Images))
	}
	if draw.Target.ID != target.ID {
		t.Error("draw target differs from returned proxy")
	}
	if draw.Indirect.Size != 16 {
		t.Errorf("indirect buffer is %d bytes, want 16", draw.Indirect.Size)
	}
}

func TestRenderQuadsEmptyScene(t *testing.T) {
	arena := mem.NewArena()
	var rec Recording
	params := &RenderParams{Width: 16, Height: 16}
	_, err := RenderQuads(arena, &rec, &testShaders, SceneBuffers{}, AtlasData{}, AtlasData{}, params, profiler.Nop{})
	if err != nil {
		t.Fatal(err)
	}

	// No cull dispatch; the visible buffer is cleared instead, and the
	// command kernel still runs so the draw clears the target.
	var dispatches, clears, draws int
	for _, cmd := range rec.Commands {
		switch cmd.(type) {
		case *Dispatch:
			dispatches++
		case *Clear:
			clears++
		case *Draw:
			draws++
		}
	}
	if dispatches != 1 {
		t.Errorf("%d dispatches, want 1 (command only)", dispatches)
	}
	if clears != 2 {
		t.Errorf("%d clears, want 2 (counter and visible)", clears)
	}
	if draws != 1 {
		t.Errorf("%d draws, want 1", draws)
	}
}

func TestRenderQuadsRobust(t *testing.T) {
	arena := mem.NewArena()
	var rec Recording
	params := &RenderParams{Width: 16, Height: 16, Robust: true}
	_, err := RenderQuads(arena, &rec, &testShaders, testScene(1, 0), AtlasData{}, AtlasData{}, params, profiler.Nop{})
	if err != nil {
		t.Fatal(err)
	}

	var downloaded *Download
	freed := make(map[ResourceID]bool)
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *Download:
			downloaded = cmd
		case *FreeBuffer:
			freed[cmd.Buffer.ID] = true
		}
	}
	if downloaded == nil {
		t.Fatal("robust frame did not download the counter")
	}
	if freed[downloaded.Buffer.ID] {
		t.Error("downloaded counter was freed in the same recording")
	}
}

func TestValidate(t *testing.T) {
	scene := testScene(1, 1)
	scene.Instances[0].StencilRef = 2
	if err := scene.Validate(); !errors.Is(err, ErrStencilRef) {
		t.Errorf("out-of-range stencil ref: got %v, want ErrStencilRef", err)
	}

	scene = testScene(1, 0)
	scene.Instances[0].AtlasOffset = [2]float32{0.8, 0}
	scene.Instances[0].AtlasSize = [2]float32{0.4, 1}
	if err := scene.Validate(); !errors.Is(err, ErrAtlasBounds) {
		t.Errorf("atlas rect past 1: got %v, want ErrAtlasBounds", err)
	}

	scene = testScene(1, 1)
	scene.Stencils[0].AtlasOffset = [2]float32{-0.1, 0}
	if err := scene.Validate(); !errors.Is(err, ErrAtlasBounds) {
		t.Errorf("negative stencil atlas offset: got %v, want ErrAtlasBounds", err)
	}

	scene = testScene(2, 1)
	scene.Instances[1].StencilRef = 1
	if err := scene.Validate(); err != nil {
		t.Errorf("valid scene rejected: %v", err)
	}
}

func TestRenderQuadsInvalidScene(t *testing.T) {
	arena := mem.NewArena()
	var rec Recording
	scene := testScene(1, 0)
	scene.Instances[0].StencilRef = 1
	params := &RenderParams{Width: 16, Height: 16}
	_, err := RenderQuads(arena, &rec, &testShaders, scene, AtlasData{}, AtlasData{}, params, profiler.Nop{})
	if !errors.Is(err, ErrStencilRef) {
		t.Fatalf("got %v, want ErrStencilRef", err)
	}
	if len(rec.Commands) != 0 {
		t.Errorf("invalid scene still recorded %d commands", len(rec.Commands))
	}
}
