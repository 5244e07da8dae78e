// Target region compositing
package core

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"marker-warp/internal/geometry"
)

// Composite erases the quadrilateral in dst with background and adds warped
// onto dst with saturation. Only the bounding box of quad, widened by one
// pixel for interpolation bleed along the edges, is added; warped must be
// black elsewhere in that box, which the zero border of the warp stage
// guarantees.
func Composite(dst *gocv.Mat, quad geometry.Quad, warped gocv.Mat, background color.RGBA) error {
	if err := ValidateFrame(*dst); err != nil {
		return fmt.Errorf("composite target: %w", err)
	}
	if err := ValidateFrameSize(warped, matSize(*dst)); err != nil {
		return fmt.Errorf("composite source: %w", err)
	}

	if err := FillQuad(dst, quad, background); err != nil {
		return err
	}

	area := quad.Bounds().Inset(-1).Intersect(image.Rect(0, 0, dst.Cols(), dst.Rows()))
	if area.Empty() {
		return nil
	}

	src := warped.Region(area)
	defer src.Close()
	roi := dst.Region(area)
	defer roi.Close()

	if err := gocv.Add(src, roi, &roi); err != nil {
		return fmt.Errorf("composite add: %w", err)
	}
	return nil
}

// FillQuad paints the quadrilateral area of dst with c
func FillQuad(dst *gocv.Mat, quad geometry.Quad, c color.RGBA) error {
	pts := gocv.NewPointsVectorFromPoints([][]image.Point{quad.ImagePoints()})
	defer pts.Close()

	if err := gocv.FillPoly(dst, pts, c); err != nil {
		return fmt.Errorf("filling quad: %w", err)
	}
	return nil
}
