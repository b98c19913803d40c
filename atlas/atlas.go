// Package atlas packs small images into fixed-size pages of a layered
// texture. Callers receive normalized sub-rectangles that plug directly into
// instance and stencil records; the pipeline only ever sees atlas coordinates
// inside the unit square.
package atlas

import (
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/helgev-traP/matcha/renderer"
)

// Region is where an image ended up: a page index and its rectangle in
// normalized page coordinates.
type Region struct {
	Page   uint32
	Offset [2]float32
	Size   [2]float32
}

// ErrTooLarge reports an image that cannot fit a page even when the page is
// empty.
var ErrTooLarge = errors.New("image exceeds atlas page size")

// padding is the gap in texels between allocations. Sampling clamps UVs to
// the region, but a bilinear tap at the region edge still reads the
// neighboring texel.
const padding = 1

type Atlas struct {
	pageSize uint32
	format   renderer.ImageFormat
	pages    []page
}

type page struct {
	pixels  []byte
	shelves []shelf
	nextY   uint32
}

// shelf is one horizontal strip of a page. Allocations fill it left to
// right; its height is fixed by the first image placed on it.
type shelf struct {
	y      uint32
	height uint32
	nextX  uint32
}

// New returns an empty atlas with square pages of the given edge length.
// Format must be Rgba8 for color atlases or Alpha8 for stencil coverage.
func New(pageSize uint32, format renderer.ImageFormat) *Atlas {
	switch format {
	case renderer.Rgba8, renderer.Alpha8:
	default:
		panic(fmt.Sprintf("unsupported atlas format %d", format))
	}
	return &Atlas{
		pageSize: pageSize,
		format:   format,
	}
}

// Add packs img into the atlas, growing it by a page if no existing page has
// room, and returns the image's region.
func (a *Atlas) Add(img image.Image) (Region, error) {
	b := img.Bounds()
	w := uint32(b.Dx())
	h := uint32(b.Dy())
	if w == 0 || h == 0 {
		return Region{}, fmt.Errorf("%dx%d: %w", w, h, errEmptyImage)
	}
	if w > a.pageSize || h > a.pageSize {
		return Region{}, fmt.Errorf("%dx%d in %dx%d pages: %w", w, h, a.pageSize, a.pageSize, ErrTooLarge)
	}

	pageIx, x, y := a.allocate(w, h)
	a.blit(pageIx, x, y, img)

	scale := 1 / float32(a.pageSize)
	return Region{
		Page:   pageIx,
		Offset: [2]float32{float32(x) * scale, float32(y) * scale},
		Size:   [2]float32{float32(w) * scale, float32(h) * scale},
	}, nil
}

var errEmptyImage = errors.New("empty image")

func (a *Atlas) allocate(w, h uint32) (pageIx, x, y uint32) {
	for pi := range a.pages {
		p := &a.pages[pi]
		for si := range p.shelves {
			s := &p.shelves[si]
			if h <= s.height && s.nextX+w <= a.pageSize {
				x = s.nextX
				s.nextX += w + padding
				return uint32(pi), x, s.y
			}
		}
		if p.nextY+h <= a.pageSize {
			s := a.openShelf(p, h)
			s.nextX = w + padding
			return uint32(pi), 0, s.y
		}
	}

	a.pages = append(a.pages, page{
		pixels: make([]byte, uint64(a.pageSize)*uint64(a.pageSize)*uint64(a.format.Bytes())),
	})
	p := &a.pages[len(a.pages)-1]
	s := a.openShelf(p, h)
	s.nextX = w + padding
	return uint32(len(a.pages) - 1), 0, s.y
}

func (a *Atlas) openShelf(p *page, h uint32) *shelf {
	p.shelves = append(p.shelves, shelf{
		y:      p.nextY,
		height: h,
	})
	p.nextY += h + padding
	return &p.shelves[len(p.shelves)-1]
}

func (a *Atlas) blit(pageIx, x, y uint32, img image.Image) {
	p := &a.pages[pageIx]
	b := img.Bounds()
	rect := image.Rect(int(x), int(y), int(x)+b.Dx(), int(y)+b.Dy())
	var dst xdraw.Image
	switch a.format {
	case renderer.Rgba8:
		dst = &image.RGBA{
			Pix:    p.pixels,
			Stride: int(a.pageSize) * 4,
			Rect:   image.Rect(0, 0, int(a.pageSize), int(a.pageSize)),
		}
	case renderer.Alpha8:
		dst = &image.Alpha{
			Pix:    p.pixels,
			Stride: int(a.pageSize),
			Rect:   image.Rect(0, 0, int(a.pageSize), int(a.pageSize)),
		}
	}
	xdraw.Draw(dst, rect, img, b.Min, xdraw.Src)
}

// Pages returns the number of pages the atlas has grown to.
func (a *Atlas) Pages() int {
	return len(a.pages)
}

// Data flattens the atlas into the per-frame upload form, one layer per
// page. An atlas with no pages yields a zero AtlasData, which the renderer
// substitutes with a placeholder texel.
func (a *Atlas) Data() renderer.AtlasData {
	if len(a.pages) == 0 {
		return renderer.AtlasData{Format: a.format}
	}
	layerSize := uint64(a.pageSize) * uint64(a.pageSize) * uint64(a.format.Bytes())
	pixels := make([]byte, layerSize*uint64(len(a.pages)))
	for i := range a.pages {
		copy(pixels[uint64(i)*layerSize:], a.pages[i].pixels)
	}
	return renderer.AtlasData{
		Width:  a.pageSize,
		Height: a.pageSize,
		Layers: uint32(len(a.pages)),
		Format: a.format,
		Pixels: pixels,
	}
}
