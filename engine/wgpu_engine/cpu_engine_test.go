package wgpu_engine

import (
	"image"
	"image/color"
	"testing"

	"honnef.co/go/curve"
	"honnef.co/go/safeish"

	"github.com/helgev-traP/matcha"
	"github.com/helgev-traP/matcha/atlas"
	"github.com/helgev-traP/matcha/mem"
	"github.com/helgev-traP/matcha/renderer"
)

func whiteAtlas(t *testing.T) (*atlas.Atlas, atlas.Region) {
	t.Helper()
	a := atlas.New(4, renderer.Rgba8)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetRGBA(x, y, color.RGBA{0xff, 0xff, 0xff, 0xff})
		}
	}
	region, err := a.Add(img)
	if err != nil {
		t.Fatal(err)
	}
	return a, region
}

func TestRenderToCPUImage(t *testing.T) {
	eng := New(nil, &RendererOptions{UseCPU: true})
	arena := mem.NewArena()

	texAtlas, region := whiteAtlas(t)

	scene := matcha.NewScene()
	// Left half of an 8x8 target.
	scene.Quad(curve.Affine{N0: 4, N1: 0, N2: 0, N3: 8, N4: 0, N5: 0}, region)
	// Off-screen; must be culled and leave no trace.
	scene.Quad(curve.Affine{N0: 4, N1: 0, N2: 0, N3: 8, N4: 500, N5: 500}, region)

	frame := &Frame{
		Scene:        scene.Buffers(),
		TextureAtlas: texAtlas.Data(),
	}
	params := &renderer.RenderParams{Width: 8, Height: 8, Robust: true}

	img, err := eng.RenderToCPUImage(arena, frame, params, nil)
	if err != nil {
		t.Fatal(err)
	}

	at := func(x, y int) [4]byte {
		off := (y*8 + x) * 4
		return [4]byte(img.Pixels[off : off+4])
	}
	if got := at(1, 4); got != [4]byte{0xff, 0xff, 0xff, 0xff} {
		t.Errorf("covered pixel = %v, want opaque white", got)
	}
	if got := at(6, 4); got != [4]byte{0, 0, 0, 0} {
		t.Errorf("uncovered pixel = %v, want clear", got)
	}

	// Robust downloads the visibility counter; the off-screen quad was
	// culled, leaving one survivor.
	if len(eng.downloadsCPU) != 1 {
		t.Fatalf("%d downloads, want 1", len(eng.downloadsCPU))
	}
	for _, buf := range eng.downloadsCPU {
		if count := safeish.SliceCast[[]uint32](buf)[0]; count != 1 {
			t.Errorf("visible counter = %d, want 1", count)
		}
	}
}

func TestRenderToCPUImageStencil(t *testing.T) {
	eng := New(nil, &RendererOptions{UseCPU: true})
	arena := mem.NewArena()

	texAtlas, region := whiteAtlas(t)

	// Coverage is opaque on the left half, transparent on the right.
	stenAtlas := atlas.New(4, renderer.Alpha8)
	cov := image.NewAlpha(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			var a uint8
			if x < 2 {
				a = 0xff
			}
			cov.SetAlpha(x, y, color.Alpha{A: a})
		}
	}
	stenRegion, err := stenAtlas.Add(cov)
	if err != nil {
		t.Fatal(err)
	}

	scene := matcha.NewScene()
	// Stencil and quad both span the whole target; the coverage contents
	// decide which pixels survive.
	scene.SetStencil(curve.Affine{N0: 8, N1: 0, N2: 0, N3: 8, N4: 0, N5: 0}, stenRegion)
	scene.Quad(curve.Affine{N0: 8, N1: 0, N2: 0, N3: 8, N4: 0, N5: 0}, region)

	frame := &Frame{
		Scene:        scene.Buffers(),
		TextureAtlas: texAtlas.Data(),
		StencilAtlas: stenAtlas.Data(),
	}
	params := &renderer.RenderParams{Width: 8, Height: 8}

	img, err := eng.RenderToCPUImage(arena, frame, params, nil)
	if err != nil {
		t.Fatal(err)
	}
	at := func(x, y int) byte {
		return img.Pixels[(y*8+x)*4+3]
	}
	if a := at(1, 4); a != 0xff {
		t.Errorf("pixel under opaque coverage has alpha %#x, want 0xff", a)
	}
	if a := at(6, 4); a != 0 {
		t.Errorf("pixel under zero coverage has alpha %#x, want 0", a)
	}
}

func TestRenderToCPUImageValidation(t *testing.T) {
	eng := New(nil, &RendererOptions{UseCPU: true})
	arena := mem.NewArena()

	frame := &Frame{
		Scene: renderer.SceneBuffers{
			Instances: []renderer.InstanceRecord{{StencilRef: 3}},
		},
	}
	params := &renderer.RenderParams{Width: 8, Height: 8}
	if _, err := eng.RenderToCPUImage(arena, frame, params, nil); err == nil {
		t.Fatal("invalid stencil reference was not rejected")
	}
}
