// OpenCV host backend
package gpu

import (
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"marker-warp/internal/geometry"
)

// BackendCPU is the registry name of the OpenCV host backend
const BackendCPU = "cpu"

// CPUBackend runs every stage through OpenCV on the stream's goroutine
type CPUBackend struct {
	mu      sync.Mutex
	staging map[image.Point]gocv.Mat
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		staging: make(map[image.Point]gocv.Mat),
	}
}

func (b *CPUBackend) Name() string {
	return BackendCPU
}

func (b *CPUBackend) ConvertImageFormat(src, dst *Image) error {
	switch {
	case src.format == dst.format:
		if err := src.mat.CopyTo(&dst.mat); err != nil {
			return newError(OpConvertImageFormat, StatusInternalError, "copy %s: %v", src.format, err)
		}
		return nil

	case src.format == FormatBGR8 && dst.format == FormatNV12ER:
		return b.bgrToNV12(src, dst)

	case src.format == FormatNV12ER && dst.format == FormatBGR8:
		if err := gocv.CvtColor(src.mat, &dst.mat, gocv.ColorYUVToBGRNV12); err != nil {
			return newError(OpConvertImageFormat, StatusInternalError, "nv12 to bgr: %v", err)
		}
		return nil
	}

	return newError(OpConvertImageFormat, StatusInvalidImageFormat,
		"unsupported conversion %s -> %s", src.format, dst.format)
}

// bgrToNV12 converts to planar I420 and interleaves the chroma planes
func (b *CPUBackend) bgrToNV12(src, dst *Image) error {
	i420 := b.stagingMat(src.Size())
	if err := gocv.CvtColor(src.mat, &i420, gocv.ColorBGRToYUVI420); err != nil {
		return newError(OpConvertImageFormat, StatusInternalError, "bgr to i420: %v", err)
	}

	in, err := i420.DataPtrUint8()
	if err != nil {
		return newError(OpConvertImageFormat, StatusInternalError, "reading i420 staging: %v", err)
	}
	out, err := dst.mat.DataPtrUint8()
	if err != nil {
		return newError(OpConvertImageFormat, StatusInternalError, "writing nv12 image: %v", err)
	}

	lumaSize := src.width * src.height
	planeSize := lumaSize / 4
	if len(in) < lumaSize+2*planeSize || len(out) < lumaSize+2*planeSize {
		return newError(OpConvertImageFormat, StatusInternalError, "unexpected plane sizes")
	}

	copy(out[:lumaSize], in[:lumaSize])

	u := in[lumaSize : lumaSize+planeSize]
	v := in[lumaSize+planeSize : lumaSize+2*planeSize]
	uv := out[lumaSize : lumaSize+2*planeSize]
	for i := range u {
		uv[2*i] = u[i]
		uv[2*i+1] = v[i]
	}
	return nil
}

func (b *CPUBackend) stagingMat(size image.Point) gocv.Mat {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.staging[size]; ok {
		return m
	}
	m := gocv.NewMatWithSize(size.Y*3/2, size.X, gocv.MatTypeCV8UC1)
	b.staging[size] = m
	return m
}

// Rescale resizes every plane. OpenCV resize has no border parameter, so
// only BorderZero is accepted.
func (b *CPUBackend) Rescale(src, dst *Image, interp Interp, border Border) error {
	if border != BorderZero {
		return newError(OpRescale, StatusInvalidArgument, "unsupported border %s", border)
	}
	if src.format == FormatBGR8 {
		return resize(src.mat, &dst.mat, dst.Size(), interp)
	}

	sp, dp := splitNV12(src), splitNV12(dst)
	defer sp.Close()
	defer dp.Close()

	if err := resize(sp.luma, &dp.luma, dst.Size(), interp); err != nil {
		return err
	}
	return resize(sp.chroma, &dp.chroma, dst.Size().Div(2), interp)
}

func resize(src gocv.Mat, dst *gocv.Mat, size image.Point, interp Interp) error {
	if err := gocv.Resize(src, dst, size, 0, 0, interp.flags()); err != nil {
		return newError(OpRescale, StatusInternalError, "resize to %v: %v", size, err)
	}
	return nil
}

func (b *CPUBackend) CreatePerspectiveWarp() (WarpPayload, error) {
	w := &cpuWarp{
		luma:   gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F),
		chroma: gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F),
	}
	w.load(geometry.Identity())
	return w, nil
}

func (b *CPUBackend) PerspectiveWarp(p WarpPayload, src *Image, xform geometry.Transform, dst *Image, interp Interp, border Border) error {
	w, ok := p.(*cpuWarp)
	if !ok {
		return newError(OpPerspectiveWarp, StatusInvalidArgument, "payload was not created by the %s backend", BackendCPU)
	}

	w.load(xform)
	flags := interp.flags()
	borderType := border.borderType()

	if src.format == FormatBGR8 {
		return warp(src.mat, &dst.mat, w.luma, dst.Size(), flags, borderType, color.RGBA{})
	}

	sp, dp := splitNV12(src), splitNV12(dst)
	defer sp.Close()
	defer dp.Close()

	if err := warp(sp.luma, &dp.luma, w.luma, dst.Size(), flags, borderType, color.RGBA{}); err != nil {
		return err
	}
	// B and G map to the first two channels (U, V).
	neutral := color.RGBA{B: chromaNeutral, G: chromaNeutral}
	return warp(sp.chroma, &dp.chroma, w.chroma, dst.Size().Div(2), flags, borderType, neutral)
}

func warp(src gocv.Mat, dst *gocv.Mat, m gocv.Mat, size image.Point, flags gocv.InterpolationFlags, border gocv.BorderType, fill color.RGBA) error {
	if err := gocv.WarpPerspectiveWithParams(src, dst, m, size, flags, border, fill); err != nil {
		return newError(OpPerspectiveWarp, StatusInternalError, "warp to %v: %v", size, err)
	}
	return nil
}

func (b *CPUBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for size, m := range b.staging {
		m.Close()
		delete(b.staging, size)
	}
	return nil
}

// cpuWarp keeps the luma and chroma matrices across frames
type cpuWarp struct {
	luma   gocv.Mat
	chroma gocv.Mat
}

// chromaScale maps luma pixel coordinates onto the half-resolution chroma grid
var (
	chromaScale    = geometry.Transform{{0.5, 0, 0}, {0, 0.5, 0}, {0, 0, 1}}
	chromaScaleInv = geometry.Transform{{2, 0, 0}, {0, 2, 0}, {0, 0, 1}}
)

// load writes xform and its chroma conjugate S*M*S^-1
func (w *cpuWarp) load(xform geometry.Transform) {
	setTransform(w.luma, xform)
	setTransform(w.chroma, chromaScale.Mul(xform).Mul(chromaScaleInv))
}

func setTransform(m gocv.Mat, t geometry.Transform) {
	for i := range t {
		for j := range t[i] {
			m.SetDoubleAt(i, j, t[i][j])
		}
	}
}

func (w *cpuWarp) Close() error {
	w.luma.Close()
	w.chroma.Close()
	return nil
}

// nv12Planes are views into an NV12 image: the luma plane (8UC1, w x h) and
// the chroma plane reshaped to 8UC2, w/2 x h/2.
type nv12Planes struct {
	luma   gocv.Mat
	chroma gocv.Mat
}

func splitNV12(img *Image) nv12Planes {
	luma := img.mat.RowRange(0, img.height)
	rows := img.mat.RowRange(img.height, img.format.matRows(img.height))
	chroma := rows.Reshape(2, img.height/2)
	rows.Close()
	return nv12Planes{luma: luma, chroma: chroma}
}

func (p nv12Planes) Close() {
	p.luma.Close()
	p.chroma.Close()
}
