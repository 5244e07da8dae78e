// Perspective transform derivation from four point correspondences
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// ErrSingular is returned when the correspondence system has no unique solution
var ErrSingular = errors.New("singular perspective system")

const pivotEps = 1e-12

// Transform is a 3x3 homogeneous matrix, row major, with [2][2] normalized to 1
type Transform [3][3]float64

// Identity returns the identity transform
func Identity() Transform {
	return Transform{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
}

// Apply projects p. ok is false when p maps to the line at infinity.
func (t Transform) Apply(p Point) (Point, bool) {
	w := t[2][0]*p.X + t[2][1]*p.Y + t[2][2]
	if math.Abs(w) < pivotEps {
		return Point{}, false
	}
	return Point{
		X: (t[0][0]*p.X + t[0][1]*p.Y + t[0][2]) / w,
		Y: (t[1][0]*p.X + t[1][1]*p.Y + t[1][2]) / w,
	}, true
}

// Mul returns t * u
func (t Transform) Mul(u Transform) Transform {
	var r Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += t[i][k] * u[k][j]
			}
		}
	}
	return r
}

func (t Transform) det() float64 {
	return t[0][0]*(t[1][1]*t[2][2]-t[1][2]*t[2][1]) -
		t[0][1]*(t[1][0]*t[2][2]-t[1][2]*t[2][0]) +
		t[0][2]*(t[1][0]*t[2][1]-t[1][1]*t[2][0])
}

func (t Transform) normalized() (Transform, error) {
	if math.Abs(t[2][2]) < pivotEps {
		return Transform{}, ErrSingular
	}
	s := t[2][2]
	for i := range t {
		for j := range t[i] {
			t[i][j] /= s
		}
	}
	return t, nil
}

// PerspectiveTransform computes the transform mapping src[i] onto dst[i]
// with OpenCV's getPerspectiveTransform. OpenCV zeroes the matrix when the
// system is singular, which surfaces here as ErrSingular. Callers reject
// degenerate targets with Quad.Validate first.
func PerspectiveTransform(src, dst Quad) (Transform, error) {
	sv := gocv.NewPoint2fVectorFromPoints(src.point2f())
	defer sv.Close()
	dv := gocv.NewPoint2fVectorFromPoints(dst.point2f())
	defer dv.Close()

	m := gocv.GetPerspectiveTransform2f(sv, dv)
	defer m.Close()
	if m.Empty() || m.Rows() != 3 || m.Cols() != 3 || m.Type() != gocv.MatTypeCV64F {
		return Transform{}, fmt.Errorf("perspective transform: %w", ErrSingular)
	}

	var t Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := m.GetDoubleAt(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Transform{}, fmt.Errorf("perspective transform: %w", ErrSingular)
			}
			t[i][j] = v
		}
	}
	if math.Abs(t.det()) < pivotEps {
		return Transform{}, fmt.Errorf("perspective transform: %w", ErrSingular)
	}

	t, err := t.normalized()
	if err != nil {
		return Transform{}, fmt.Errorf("perspective transform: %w", err)
	}
	return t, nil
}
