package gpu

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"marker-warp/internal/geometry"
)

func newCPUContext(t *testing.T) (*Context, *Stream) {
	t.Helper()

	log, _ := test.NewNullLogger()
	ctx, err := NewContext(NewCPUBackend(), log)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Destroy() })

	stream, err := ctx.CreateStream(0)
	require.NoError(t, err)
	return ctx, stream
}

func solidBGR(w, h int, b, g, r float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), h, w, gocv.MatTypeCV8UC3)
}

func TestCPUConvertRoundTrip(t *testing.T) {
	ctx, stream := newCPUContext(t)

	in := solidBGR(32, 16, 40, 120, 200)
	defer in.Close()
	out := gocv.NewMatWithSize(16, 32, gocv.MatTypeCV8UC3)
	defer out.Close()

	src, err := ctx.WrapMat(in, FormatBGR8)
	require.NoError(t, err)
	dst, err := ctx.WrapMat(out, FormatBGR8)
	require.NoError(t, err)
	nv12, err := ctx.CreateImage(32, 16, FormatNV12ER)
	require.NoError(t, err)

	require.NoError(t, stream.SubmitConvertImageFormat(src, nv12))
	require.NoError(t, stream.SubmitConvertImageFormat(nv12, dst))
	require.NoError(t, stream.Sync())

	m, err := dst.Lock()
	require.NoError(t, err)
	defer dst.Unlock()

	px := m.GetVecbAt(8, 16)
	assert.InDelta(t, 40, int(px[0]), 4)
	assert.InDelta(t, 120, int(px[1]), 4)
	assert.InDelta(t, 200, int(px[2]), 4)
}

func TestCPUWarpZeroBorderIsBlack(t *testing.T) {
	ctx, stream := newCPUContext(t)

	in := solidBGR(64, 48, 255, 255, 255)
	defer in.Close()
	out := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer out.Close()

	src, err := ctx.WrapMat(in, FormatBGR8)
	require.NoError(t, err)
	dst, err := ctx.WrapMat(out, FormatBGR8)
	require.NoError(t, err)
	a, err := ctx.CreateImage(64, 48, FormatNV12ER)
	require.NoError(t, err)
	b, err := ctx.CreateImage(64, 48, FormatNV12ER)
	require.NoError(t, err)
	warp, err := ctx.CreatePerspectiveWarp()
	require.NoError(t, err)

	// Shrink the full frame into the centre square (16,12)-(48,36).
	quad := geometry.Quad{{X: 16, Y: 12}, {X: 48, Y: 12}, {X: 48, Y: 36}, {X: 16, Y: 36}}
	xform, err := geometry.PerspectiveTransform(geometry.RectQuad(64, 48), quad)
	require.NoError(t, err)

	require.NoError(t, stream.SubmitConvertImageFormat(src, a))
	require.NoError(t, stream.SubmitPerspectiveWarp(warp, a, xform, b, InterpLinear, BorderZero))
	require.NoError(t, stream.SubmitConvertImageFormat(b, dst))
	require.NoError(t, stream.Sync())

	m, err := dst.Lock()
	require.NoError(t, err)
	defer dst.Unlock()

	inside := m.GetVecbAt(24, 32)
	assert.Greater(t, int(inside[0]), 200)
	assert.Greater(t, int(inside[1]), 200)
	assert.Greater(t, int(inside[2]), 200)

	for _, p := range [][2]int{{0, 0}, {2, 60}, {45, 5}, {40, 32}} {
		outside := m.GetVecbAt(p[0], p[1])
		assert.Equal(t, gocv.Vecb{0, 0, 0}, outside, "pixel row %d col %d", p[0], p[1])
	}
}

func TestCPURescale(t *testing.T) {
	ctx, stream := newCPUContext(t)

	in := solidBGR(40, 20, 10, 200, 90)
	defer in.Close()
	out := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer out.Close()

	src, err := ctx.WrapMat(in, FormatBGR8)
	require.NoError(t, err)
	dst, err := ctx.WrapMat(out, FormatBGR8)
	require.NoError(t, err)
	small, err := ctx.CreateImage(40, 20, FormatNV12ER)
	require.NoError(t, err)
	large, err := ctx.CreateImage(64, 48, FormatNV12ER)
	require.NoError(t, err)

	require.NoError(t, stream.SubmitConvertImageFormat(src, small))
	require.NoError(t, stream.SubmitRescale(small, large, InterpLinear, BorderZero))
	require.NoError(t, stream.SubmitConvertImageFormat(large, dst))
	require.NoError(t, stream.Sync())

	m, err := dst.Lock()
	require.NoError(t, err)
	defer dst.Unlock()

	assert.Equal(t, 64, m.Cols())
	assert.Equal(t, 48, m.Rows())
	px := m.GetVecbAt(24, 32)
	assert.InDelta(t, 10, int(px[0]), 5)
	assert.InDelta(t, 200, int(px[1]), 5)
	assert.InDelta(t, 90, int(px[2]), 5)
}

func TestCPUWarpPayloadChromaMatrix(t *testing.T) {
	p, err := NewCPUBackend().CreatePerspectiveWarp()
	require.NoError(t, err)
	defer p.Close()

	w := p.(*cpuWarp)
	xform := geometry.Transform{
		{1, 2, 10},
		{3, 4, 20},
		{0.5, 0.25, 1},
	}
	w.load(xform)

	assert.Equal(t, 10.0, w.luma.GetDoubleAt(0, 2))
	assert.Equal(t, 5.0, w.chroma.GetDoubleAt(0, 2))
	assert.Equal(t, 10.0, w.chroma.GetDoubleAt(1, 2))
	assert.Equal(t, 1.0, w.chroma.GetDoubleAt(2, 0))
	assert.Equal(t, 0.5, w.chroma.GetDoubleAt(2, 1))
	assert.Equal(t, 4.0, w.chroma.GetDoubleAt(1, 1))
}

func TestCPUOpenCVErrorSurfacesOnSync(t *testing.T) {
	ctx, stream := newCPUContext(t)

	// NV12 handle over three-channel storage: submission only checks the
	// handle, OpenCV rejects the conversion when it runs.
	storage := gocv.NewMatWithSize(24, 16, gocv.MatTypeCV8UC3)
	defer storage.Close()
	src := &Image{ctx: ctx, format: FormatNV12ER, width: 16, height: 16, mat: storage}

	bgr, err := ctx.CreateImage(16, 16, FormatBGR8)
	require.NoError(t, err)
	nv12, err := ctx.CreateImage(16, 16, FormatNV12ER)
	require.NoError(t, err)

	require.NoError(t, stream.SubmitConvertImageFormat(src, bgr))
	require.NoError(t, stream.SubmitConvertImageFormat(bgr, nv12))

	err = stream.Sync()
	require.Error(t, err)
	assert.Equal(t, StatusInternalError, StatusOf(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpConvertImageFormat, se.Op)
	assert.Contains(t, err.Error(), "nv12 to bgr")

	// the failure is reported once
	assert.NoError(t, stream.Sync())
}

func TestCPURescaleRejectsClampBorder(t *testing.T) {
	ctx, _ := newCPUContext(t)

	small, err := ctx.CreateImage(16, 16, FormatNV12ER)
	require.NoError(t, err)
	large, err := ctx.CreateImage(32, 32, FormatNV12ER)
	require.NoError(t, err)

	err = NewCPUBackend().Rescale(small, large, InterpLinear, BorderClamp)
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	assert.Contains(t, err.Error(), "clamp")
}

func TestCPUWarpPayloadStartsAsIdentity(t *testing.T) {
	p, err := NewCPUBackend().CreatePerspectiveWarp()
	require.NoError(t, err)
	defer p.Close()

	w := p.(*cpuWarp)
	id := geometry.Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, id[i][j], w.luma.GetDoubleAt(i, j))
			assert.Equal(t, id[i][j], w.chroma.GetDoubleAt(i, j))
		}
	}
}
