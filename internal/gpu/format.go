package gpu

import (
	"gocv.io/x/gocv"
)

// Format is the pixel layout of an image handle
type Format int

const (
	FormatInvalid Format = iota
	// FormatBGR8 is interleaved 8-bit BGR, the capture and display layout
	FormatBGR8
	// FormatNV12ER is NV12 with BT.601 limited-range (16-235) samples, the
	// range OpenCV's YUV conversions produce: a luma plane followed by an
	// interleaved half-resolution UV plane, stored as one 8-bit Mat of
	// 3*h/2 rows.
	FormatNV12ER
)

func (f Format) String() string {
	switch f {
	case FormatBGR8:
		return "bgr8"
	case FormatNV12ER:
		return "nv12_er"
	default:
		return "invalid"
	}
}

func (f Format) matType() gocv.MatType {
	if f == FormatNV12ER {
		return gocv.MatTypeCV8UC1
	}
	return gocv.MatTypeCV8UC3
}

func (f Format) matRows(height int) int {
	if f == FormatNV12ER {
		return height * 3 / 2
	}
	return height
}

func (f Format) validSize(width, height int) bool {
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return false
	}
	if f == FormatNV12ER {
		return width%2 == 0 && height%2 == 0
	}
	return true
}

const maxDimension = 16384

// Interp selects the sampling filter of rescale and warp
type Interp int

const (
	InterpLinear Interp = iota
	InterpNearest
)

func (i Interp) flags() gocv.InterpolationFlags {
	if i == InterpNearest {
		return gocv.InterpolationNearestNeighbor
	}
	return gocv.InterpolationLinear
}

// Border selects how samples outside the source are produced
type Border int

const (
	// BorderZero yields black in the image's own format
	BorderZero Border = iota
	// BorderClamp repeats the nearest edge pixel
	BorderClamp
)

func (b Border) String() string {
	switch b {
	case BorderZero:
		return "zero"
	case BorderClamp:
		return "clamp"
	default:
		return "invalid"
	}
}

func (b Border) borderType() gocv.BorderType {
	if b == BorderClamp {
		return gocv.BorderReplicate
	}
	return gocv.BorderConstant
}
