package core

import (
	"math"
	"testing"
)

func TestVec3Unit(t *testing.T) {
	u, ok := Vec3{X: 3, Y: 4}.Unit()
	if !ok {
		t.Fatalf("Unit() ok = false, want true")
	}
	if math.Abs(u.Norm()-1) > 1e-12 {
		t.Errorf("|Unit()| = %v, want 1", u.Norm())
	}
	if math.Abs(u.X-0.6) > 1e-12 || math.Abs(u.Y-0.8) > 1e-12 {
		t.Errorf("Unit() = %+v, want (0.6, 0.8, 0)", u)
	}
}

func TestVec3UnitRejectsDegenerate(t *testing.T) {
	if _, ok := (Vec3{}).Unit(); ok {
		t.Errorf("zero vector should not normalise")
	}
	if _, ok := (Vec3{X: math.NaN()}).Unit(); ok {
		t.Errorf("NaN vector should not normalise")
	}
}

func TestPlanarDistanceIgnoresZ(t *testing.T) {
	a := Vec3{X: 0, Y: 0, Z: 100}
	b := Vec3{X: 3, Y: 4, Z: -50}
	if got := a.PlanarDistance(b); got != 5 {
		t.Errorf("PlanarDistance() = %v, want 5", got)
	}
}
