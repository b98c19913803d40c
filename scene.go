// Package matcha turns a tree of transformed, textured quads into the flat
// records the GPU pipeline consumes. A Scene is built top-down with nested
// transform groups; stencils set on a group mask every quad below it.
package matcha

import (
	"honnef.co/go/curve"

	"github.com/helgev-traP/matcha/atlas"
	"github.com/helgev-traP/matcha/mmath"
	"github.com/helgev-traP/matcha/renderer"
)

type Scene struct {
	instances []renderer.InstanceRecord
	stencils  []renderer.StencilRecord
	stack     []group
}

// group is one level of the transform stack. stencilRef uses the record
// encoding: 0 for unmasked, otherwise a 1-based stencil index.
type group struct {
	transform  mmath.Mat4
	stencilRef uint32
}

func NewScene() *Scene {
	return &Scene{
		stack: []group{{transform: mmath.Identity}},
	}
}

// Reset empties the scene for the next frame, keeping allocations.
func (s *Scene) Reset() {
	s.instances = s.instances[:0]
	s.stencils = s.stencils[:0]
	s.stack = s.stack[:1]
	s.stack[0] = group{transform: mmath.Identity}
}

func (s *Scene) cur() *group {
	return &s.stack[len(s.stack)-1]
}

// PushGroup opens a group whose transform composes onto the enclosing
// group's. The new group inherits the enclosing stencil.
func (s *Scene) PushGroup(transform curve.Affine) {
	parent := s.cur()
	s.stack = append(s.stack, group{
		transform:  parent.transform.Mul(mmath.FromAffine(transform)),
		stencilRef: parent.stencilRef,
	})
}

func (s *Scene) PopGroup() {
	if len(s.stack) == 1 {
		panic("unbalanced PopGroup")
	}
	s.stack = s.stack[:len(s.stack)-1]
}

// SetStencil masks the current group and everything pushed below it with a
// coverage region from the stencil atlas. The transform places the stencil's
// unit quad in the current group's space. Whether the placement can be
// inverted is decided here, once; a non-invertible stencil still culls but
// does not mask.
func (s *Scene) SetStencil(transform curve.Affine, region atlas.Region) {
	m := s.cur().transform.Mul(mmath.FromAffine(transform))
	inv, ok := m.TryInverse()
	rec := renderer.StencilRecord{
		Transform:        m,
		InverseTransform: inv,
		AtlasPage:        region.Page,
		AtlasOffset:      region.Offset,
		AtlasSize:        region.Size,
	}
	if ok {
		rec.InverseExists = 1
	}
	s.stencils = append(s.stencils, rec)
	s.cur().stencilRef = uint32(len(s.stencils))
}

// ClearStencil removes the mask from the current group.
func (s *Scene) ClearStencil() {
	s.cur().stencilRef = 0
}

// Quad emits one textured quad. The transform places the unit quad in the
// current group's space; region selects its texture from the color atlas.
func (s *Scene) Quad(transform curve.Affine, region atlas.Region) {
	cur := s.cur()
	s.instances = append(s.instances, renderer.InstanceRecord{
		Transform:   cur.transform.Mul(mmath.FromAffine(transform)),
		AtlasPage:   region.Page,
		AtlasOffset: region.Offset,
		AtlasSize:   region.Size,
		StencilRef:  cur.stencilRef,
	})
}

// Buffers returns the flattened scene. The slices alias the scene's storage
// and are valid until the next Reset.
func (s *Scene) Buffers() renderer.SceneBuffers {
	return renderer.SceneBuffers{
		Instances: s.instances,
		Stencils:  s.stencils,
	}
}
