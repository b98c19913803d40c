package matcha

import (
	"math"
	"testing"

	"honnef.co/go/curve"

	"github.com/helgev-traP/matcha/atlas"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func translate(x, y float64) curve.Affine {
	return curve.Affine{N0: 1, N1: 0, N2: 0, N3: 1, N4: x, N5: y}
}

func scale(sx, sy float64) curve.Affine {
	return curve.Affine{N0: sx, N1: 0, N2: 0, N3: sy, N4: 0, N5: 0}
}

func TestSceneGroupComposition(t *testing.T) {
	s := NewScene()
	s.PushGroup(translate(10, 20))
	s.PushGroup(scale(2, 2))
	s.Quad(translate(1, 1), atlas.Region{Size: [2]float32{1, 1}})
	s.PopGroup()
	s.PopGroup()

	bufs := s.Buffers()
	if len(bufs.Instances) != 1 {
		t.Fatalf("%d instances, want 1", len(bufs.Instances))
	}
	// Local (0, 0): translate by (1,1), scale by 2, translate by (10,20).
	x, y := bufs.Instances[0].Transform.Apply(0, 0)
	if !approx(x, 12) || !approx(y, 22) {
		t.Errorf("quad origin at (%v, %v), want (12, 22)", x, y)
	}
	// Local (1, 1) adds the doubled unit extent.
	x, y = bufs.Instances[0].Transform.Apply(1, 1)
	if !approx(x, 14) || !approx(y, 24) {
		t.Errorf("quad corner at (%v, %v), want (14, 24)", x, y)
	}
}

func TestSceneStencilInheritance(t *testing.T) {
	s := NewScene()
	s.Quad(translate(0, 0), atlas.Region{})

	s.PushGroup(translate(5, 5))
	s.SetStencil(scale(10, 10), atlas.Region{Size: [2]float32{1, 1}})
	s.Quad(translate(0, 0), atlas.Region{})
	s.PushGroup(translate(1, 1))
	s.Quad(translate(0, 0), atlas.Region{}) // nested group inherits the mask
	s.PopGroup()
	s.PopGroup()

	s.Quad(translate(0, 0), atlas.Region{}) // back outside the group

	bufs := s.Buffers()
	if len(bufs.Stencils) != 1 {
		t.Fatalf("%d stencils, want 1", len(bufs.Stencils))
	}
	wantRefs := []uint32{0, 1, 1, 0}
	for i, want := range wantRefs {
		if got := bufs.Instances[i].StencilRef; got != want {
			t.Errorf("instance %d has stencil ref %d, want %d", i, got, want)
		}
	}

	// The stencil composed the group transform: unit quad scaled to 10 and
	// shifted by the group's (5, 5).
	x, y := bufs.Stencils[0].Transform.Apply(1, 1)
	if !approx(x, 15) || !approx(y, 15) {
		t.Errorf("stencil corner at (%v, %v), want (15, 15)", x, y)
	}
	if bufs.Stencils[0].InverseExists != 1 {
		t.Error("invertible stencil not marked invertible")
	}
}

func TestSceneClearStencil(t *testing.T) {
	s := NewScene()
	s.SetStencil(scale(1, 1), atlas.Region{Size: [2]float32{1, 1}})
	s.Quad(translate(0, 0), atlas.Region{})
	s.ClearStencil()
	s.Quad(translate(0, 0), atlas.Region{})

	bufs := s.Buffers()
	if bufs.Instances[0].StencilRef != 1 || bufs.Instances[1].StencilRef != 0 {
		t.Errorf("stencil refs = %d, %d; want 1, 0",
			bufs.Instances[0].StencilRef, bufs.Instances[1].StencilRef)
	}
}

func TestSceneSingularStencil(t *testing.T) {
	s := NewScene()
	s.SetStencil(scale(0, 1), atlas.Region{Size: [2]float32{1, 1}})
	bufs := s.Buffers()
	if bufs.Stencils[0].InverseExists != 0 {
		t.Error("singular stencil marked invertible")
	}
}

func TestSceneReset(t *testing.T) {
	s := NewScene()
	s.PushGroup(translate(1, 2))
	s.SetStencil(scale(1, 1), atlas.Region{})
	s.Quad(translate(0, 0), atlas.Region{})
	s.Reset()

	bufs := s.Buffers()
	if len(bufs.Instances) != 0 || len(bufs.Stencils) != 0 {
		t.Fatalf("reset scene still has %d instances, %d stencils",
			len(bufs.Instances), len(bufs.Stencils))
	}

	s.Quad(translate(3, 4), atlas.Region{})
	x, y := s.Buffers().Instances[0].Transform.Apply(0, 0)
	if !approx(x, 3) || !approx(y, 4) {
		t.Errorf("post-reset transform applies (%v, %v), want (3, 4)", x, y)
	}
	if s.Buffers().Instances[0].StencilRef != 0 {
		t.Error("reset scene kept a stencil reference")
	}
}

func TestScenePopGroupUnbalanced(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("PopGroup on the root group did not panic")
		}
	}()
	NewScene().PopGroup()
}
