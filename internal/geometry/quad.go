// Points and quadrilaterals in image space
package geometry

import (
	"errors"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// ErrDegenerateQuad is returned for quadrilaterals that cannot be the image of a rectangle
var ErrDegenerateQuad = errors.New("degenerate quadrilateral")

const (
	// collinearEps is relative to the squared length of the longest edge
	collinearEps = 1e-6
	minQuadArea  = 1.0
)

// Point is a subpixel image coordinate
type Point struct {
	X, Y float64
}

// Pt is shorthand for Point{X: x, Y: y}
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Image rounds to the nearest integer pixel
func (p Point) Image() image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

func cross(a, b Point) float64 {
	return a.X*b.Y - a.Y*b.X
}

// Quad holds four vertices in canonical order: top-left, top-right,
// bottom-right, bottom-left.
type Quad [4]Point

// RectQuad returns the corners of a w x h rectangle anchored at the origin
func RectQuad(w, h float64) Quad {
	return Quad{
		{X: 0, Y: 0},
		{X: w, Y: 0},
		{X: w, Y: h},
		{X: 0, Y: h},
	}
}

// ImagePoints converts the vertices to integer pixels for polygon filling
func (q Quad) ImagePoints() []image.Point {
	pts := make([]image.Point, len(q))
	for i, p := range q {
		pts[i] = p.Image()
	}
	return pts
}

// Area returns the signed shoelace area; positive for clockwise order in
// image coordinates (y down).
func (q Quad) Area() float64 {
	var sum float64
	for i := range q {
		j := (i + 1) % len(q)
		sum += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return sum / 2
}

// Bounds returns the smallest integer rectangle containing all vertices
func (q Quad) Bounds() image.Rectangle {
	minX, minY := q[0].X, q[0].Y
	maxX, maxY := q[0].X, q[0].Y

	for _, p := range q[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}

	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
}

func (q Quad) point2f() []gocv.Point2f {
	pts := make([]gocv.Point2f, len(q))
	for i, p := range q {
		pts[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	return pts
}

// Validate rejects quadrilaterals with near-collinear vertex triples,
// negligible area, or a non-convex / self-intersecting vertex order.
func (q Quad) Validate() error {
	var longest float64
	for i := range q {
		e := q[(i+1)%4].Sub(q[i])
		longest = math.Max(longest, e.X*e.X+e.Y*e.Y)
	}
	if longest == 0 {
		return ErrDegenerateQuad
	}

	if math.Abs(q.Area()) < minQuadArea {
		return ErrDegenerateQuad
	}

	// Every turn must have the same sign and be clearly non-zero.
	sign := 0.0
	for i := range q {
		a := q[(i+1)%4].Sub(q[i])
		b := q[(i+2)%4].Sub(q[(i+1)%4])
		c := cross(a, b)
		if math.Abs(c) <= collinearEps*longest {
			return ErrDegenerateQuad
		}
		if sign == 0 {
			sign = math.Copysign(1, c)
		} else if math.Copysign(1, c) != sign {
			return ErrDegenerateQuad
		}
	}

	return nil
}
