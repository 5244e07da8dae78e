// Frame validation for capture and display buffers
package core

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const maxDimension = 16384

// ValidateFrame checks that mat is a usable BGR capture frame
func ValidateFrame(mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("frame is empty")
	}

	if mat.Cols() <= 0 || mat.Rows() <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", mat.Cols(), mat.Rows())
	}

	if mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("unsupported frame type %v, want 8-bit BGR", mat.Type())
	}

	if mat.Cols() > maxDimension || mat.Rows() > maxDimension {
		return fmt.Errorf("frame too large: %dx%d (max: %d)", mat.Cols(), mat.Rows(), maxDimension)
	}

	return nil
}

// ValidateFrameSize additionally requires the negotiated capture size
func ValidateFrameSize(mat gocv.Mat, size image.Point) error {
	if err := ValidateFrame(mat); err != nil {
		return err
	}
	if mat.Cols() != size.X || mat.Rows() != size.Y {
		return fmt.Errorf("frame is %dx%d, pipeline expects %dx%d", mat.Cols(), mat.Rows(), size.X, size.Y)
	}
	return nil
}

func matSize(mat gocv.Mat) image.Point {
	return image.Pt(mat.Cols(), mat.Rows())
}
