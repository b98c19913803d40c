package mmath

import (
	"math"
	"testing"

	"honnef.co/go/curve"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestFromAffine(t *testing.T) {
	// x' = 2x + 10, y' = 3y + 20
	m := FromAffine(curve.Affine{N0: 2, N1: 0, N2: 0, N3: 3, N4: 10, N5: 20})
	x, y := m.Apply(1, 1)
	if !approx(x, 12) || !approx(y, 23) {
		t.Errorf("Apply(1, 1) = (%v, %v), want (12, 23)", x, y)
	}
	x, y = m.Apply(0, 0)
	if !approx(x, 10) || !approx(y, 20) {
		t.Errorf("Apply(0, 0) = (%v, %v), want (10, 20)", x, y)
	}
}

func TestNormalize(t *testing.T) {
	m := Normalize(640, 480)
	tests := []struct {
		px, py float32
		cx, cy float32
	}{
		{0, 0, -1, 1},
		{640, 480, 1, -1},
		{320, 240, 0, 0},
		{640, 0, 1, 1},
	}
	for _, tt := range tests {
		x, y := m.Apply(tt.px, tt.py)
		if !approx(x, tt.cx) || !approx(y, tt.cy) {
			t.Errorf("Normalize(640, 480).Apply(%v, %v) = (%v, %v), want (%v, %v)",
				tt.px, tt.py, x, y, tt.cx, tt.cy)
		}
	}
}

func TestMulComposes(t *testing.T) {
	a := FromAffine(curve.Affine{N0: 2, N1: 0, N2: 0, N3: 2, N4: 5, N5: 5})
	b := FromAffine(curve.Affine{N0: 0, N1: 1, N2: -1, N3: 0, N4: 1, N5: 2})

	ab := a.Mul(b)
	for _, p := range [][2]float32{{0, 0}, {1, 0}, {0, 1}, {-3, 7}} {
		bx, by := b.Apply(p[0], p[1])
		wantX, wantY := a.Apply(bx, by)
		gotX, gotY := ab.Apply(p[0], p[1])
		if !approx(gotX, wantX) || !approx(gotY, wantY) {
			t.Errorf("a.Mul(b).Apply(%v) = (%v, %v), want (%v, %v)", p, gotX, gotY, wantX, wantY)
		}
	}
}

func TestTryInverse(t *testing.T) {
	m := FromAffine(curve.Affine{N0: 3, N1: 1, N2: -2, N3: 4, N4: 7, N5: -5})
	inv, ok := m.TryInverse()
	if !ok {
		t.Fatal("TryInverse reported an invertible matrix as singular")
	}
	round := m.Mul(inv)
	for i, v := range round.Cols {
		if !approx(v, Identity.Cols[i]) {
			t.Fatalf("m * m^-1 = %v, want identity", round.Cols)
		}
	}
}

func TestTryInverseSingular(t *testing.T) {
	// Zero scale on one axis collapses the matrix.
	m := FromAffine(curve.Affine{N0: 1, N1: 0, N2: 0, N3: 0, N4: 3, N5: 4})
	inv, ok := m.TryInverse()
	if ok {
		t.Fatal("TryInverse inverted a singular matrix")
	}
	if inv != Identity {
		t.Errorf("singular inverse = %v, want identity", inv.Cols)
	}
}
