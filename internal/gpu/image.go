// Image handles with fixed format and dimensions
package gpu

import (
	"image"

	"gocv.io/x/gocv"
)

// Image is a pipeline image handle. Its format and dimensions never change;
// wrapper handles may be rebound to a different backing Mat of the same shape.
type Image struct {
	ctx    *Context
	format Format
	width  int
	height int
	mat    gocv.Mat
	owned  bool
	locked bool
	freed  bool
}

func (img *Image) Format() Format {
	return img.format
}

func (img *Image) Width() int {
	return img.width
}

func (img *Image) Height() int {
	return img.height
}

// Size returns the image dimensions as a point (width, height)
func (img *Image) Size() image.Point {
	return image.Pt(img.width, img.height)
}

// Rebind swaps the backing Mat of a wrapper handle. The new Mat must have
// exactly the handle's dimensions and layout.
func (img *Image) Rebind(m gocv.Mat) error {
	switch {
	case img.freed:
		return newError(OpImageRebind, StatusInvalidOperation, "image already destroyed")
	case img.owned:
		return newError(OpImageRebind, StatusInvalidOperation, "only wrapper images can be rebound")
	case img.locked:
		return newError(OpImageRebind, StatusInvalidOperation, "image is locked")
	}
	if img.ctx.busy() {
		return newError(OpImageRebind, StatusNotReady, "stream has pending work")
	}
	if err := checkMat(img.format, img.width, img.height, m); err != nil {
		return &StatusError{Op: OpImageRebind, Status: StatusInvalidArgument, Err: err}
	}

	img.mat = m
	return nil
}

// Lock grants read access to the image contents. It fails while the owning
// stream still has work in flight; call Stream.Sync first.
func (img *Image) Lock() (gocv.Mat, error) {
	switch {
	case img.freed:
		return gocv.Mat{}, newError(OpImageLock, StatusInvalidOperation, "image already destroyed")
	case img.locked:
		return gocv.Mat{}, newError(OpImageLock, StatusInvalidOperation, "image already locked")
	case img.ctx.busy():
		return gocv.Mat{}, newError(OpImageLock, StatusNotReady, "stream has pending work")
	}

	img.locked = true
	return img.mat, nil
}

func (img *Image) Unlock() {
	img.locked = false
}

func (img *Image) release() {
	if img.freed {
		return
	}
	img.freed = true
	if img.owned {
		img.mat.Close()
	}
	img.mat = gocv.Mat{}
}

func checkMat(f Format, width, height int, m gocv.Mat) error {
	if m.Empty() {
		return newError(OpImageWrap, StatusInvalidArgument, "empty mat")
	}
	if m.Cols() != width || m.Rows() != f.matRows(height) {
		return newError(OpImageWrap, StatusInvalidArgument,
			"mat is %dx%d, want %dx%d", m.Cols(), m.Rows(), width, f.matRows(height))
	}
	if m.Type() != f.matType() {
		return newError(OpImageWrap, StatusInvalidImageFormat,
			"mat type %v does not match %s", m.Type(), f)
	}
	return nil
}
