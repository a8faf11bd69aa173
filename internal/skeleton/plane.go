package skeleton

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDegeneratePlane is returned when a floor plane has no usable normal.
var ErrDegeneratePlane = errors.New("degenerate floor plane")

// FloorPlane holds the coefficients of a·x + b·y + c·z + d = 0 as estimated
// by the sensor for a single frame.
type FloorPlane struct {
	A, B, C, D float64
}

// Normal returns the plane's (unnormalised) normal vector.
func (p FloorPlane) Normal() r3.Vec {
	return r3.Vec{X: p.A, Y: p.B, Z: p.C}
}

// Negate returns the same plane with the normal pointing the other way.
func (p FloorPlane) Negate() FloorPlane {
	return FloorPlane{A: -p.A, B: -p.B, C: -p.C, D: -p.D}
}

// SignedDistance returns the distance of pt from the plane, positive on
// the side the normal points to.
func SignedDistance(plane FloorPlane, pt Point3D) (float64, error) {
	n := plane.Normal()
	norm := r3.Norm(n)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return math.NaN(), ErrDegeneratePlane
	}
	return (r3.Dot(n, pt.Vec()) + plane.D) / norm, nil
}
