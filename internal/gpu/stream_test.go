package gpu

import (
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marker-warp/internal/geometry"
)

// recordingBackend logs the order of executed stages and can fail or block on demand
type recordingBackend struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	panicOn string
	gate    chan struct{}
	closed  int
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) record(op string) error {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.mu.Unlock()

	if op == b.panicOn {
		panic("boom")
	}
	if op == b.failOn {
		return errors.New("device lost")
	}
	return nil
}

func (b *recordingBackend) ConvertImageFormat(src, dst *Image) error {
	return b.record(OpConvertImageFormat)
}

func (b *recordingBackend) Rescale(src, dst *Image, interp Interp, border Border) error {
	return b.record(OpRescale)
}

func (b *recordingBackend) CreatePerspectiveWarp() (WarpPayload, error) {
	return nopPayload{}, nil
}

func (b *recordingBackend) PerspectiveWarp(p WarpPayload, src *Image, xform geometry.Transform, dst *Image, interp Interp, border Border) error {
	return b.record(OpPerspectiveWarp)
}

func (b *recordingBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *recordingBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type nopPayload struct{}

func (nopPayload) Close() error { return nil }

type fixture struct {
	ctx    *Context
	stream *Stream
	bgr    *Image
	bgr2   *Image
	nv12a  *Image
	nv12b  *Image
	warp   *Payload
}

func newFixture(t *testing.T, backend Backend) *fixture {
	t.Helper()

	log, _ := test.NewNullLogger()
	ctx, err := NewContext(backend, log)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Destroy() })

	f := &fixture{ctx: ctx}
	f.stream, err = ctx.CreateStream(4)
	require.NoError(t, err)
	f.bgr, err = ctx.CreateImage(64, 48, FormatBGR8)
	require.NoError(t, err)
	f.bgr2, err = ctx.CreateImage(64, 48, FormatBGR8)
	require.NoError(t, err)
	f.nv12a, err = ctx.CreateImage(64, 48, FormatNV12ER)
	require.NoError(t, err)
	f.nv12b, err = ctx.CreateImage(64, 48, FormatNV12ER)
	require.NoError(t, err)
	f.warp, err = ctx.CreatePerspectiveWarp()
	require.NoError(t, err)
	return f
}

func (f *fixture) submitFrame(t *testing.T) {
	t.Helper()
	require.NoError(t, f.stream.SubmitConvertImageFormat(f.bgr, f.nv12a))
	require.NoError(t, f.stream.SubmitRescale(f.nv12a, f.nv12b, InterpLinear, BorderZero))
	require.NoError(t, f.stream.SubmitPerspectiveWarp(f.warp, f.nv12b, geometry.Identity(), f.nv12a, InterpLinear, BorderZero))
	require.NoError(t, f.stream.SubmitConvertImageFormat(f.nv12a, f.bgr2))
}

func TestStreamExecutesInOrder(t *testing.T) {
	backend := &recordingBackend{}
	f := newFixture(t, backend)

	f.submitFrame(t)
	require.NoError(t, f.stream.Sync())

	assert.Equal(t, []string{
		OpConvertImageFormat,
		OpRescale,
		OpPerspectiveWarp,
		OpConvertImageFormat,
	}, backend.Calls())
	assert.False(t, f.stream.Busy())
}

func TestStreamFailureIsStickyUntilSync(t *testing.T) {
	backend := &recordingBackend{failOn: OpRescale}
	f := newFixture(t, backend)

	f.submitFrame(t)
	err := f.stream.Sync()
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpRescale, se.Op)
	assert.Equal(t, StatusInternalError, se.Status)
	assert.Contains(t, err.Error(), "device lost")

	// Work after the failure was skipped.
	assert.Equal(t, []string{OpConvertImageFormat, OpRescale}, backend.Calls())

	// The error was consumed by Sync.
	assert.NoError(t, f.stream.Sync())
}

func TestStreamRecoversBackendPanic(t *testing.T) {
	backend := &recordingBackend{panicOn: OpPerspectiveWarp}
	f := newFixture(t, backend)

	f.submitFrame(t)
	err := f.stream.Sync()
	require.Error(t, err)
	assert.Equal(t, StatusInternalError, StatusOf(err))
	assert.Contains(t, err.Error(), OpPerspectiveWarp)
}

func TestLockRequiresDrainedStream(t *testing.T) {
	backend := &recordingBackend{gate: make(chan struct{})}
	f := newFixture(t, backend)

	out, err := f.ctx.WrapMat(f.bgr2.mat, FormatBGR8)
	require.NoError(t, err)

	require.NoError(t, f.stream.SubmitConvertImageFormat(f.nv12a, out))
	assert.True(t, f.stream.Busy())

	_, err = out.Lock()
	assert.Equal(t, StatusNotReady, StatusOf(err))

	close(backend.gate)
	require.NoError(t, f.stream.Sync())

	_, err = out.Lock()
	require.NoError(t, err)
	out.Unlock()
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &recordingBackend{})

	small, err := f.ctx.CreateImage(32, 24, FormatNV12ER)
	require.NoError(t, err)

	tests := []struct {
		name   string
		submit func() error
		status Status
	}{
		{"convert size mismatch", func() error { return f.stream.SubmitConvertImageFormat(f.bgr, small) }, StatusInvalidArgument},
		{"convert in place", func() error { return f.stream.SubmitConvertImageFormat(f.bgr, f.bgr) }, StatusInvalidArgument},
		{"convert nil", func() error { return f.stream.SubmitConvertImageFormat(nil, f.bgr) }, StatusInvalidArgument},
		{"rescale format mismatch", func() error { return f.stream.SubmitRescale(f.bgr, small, InterpLinear, BorderZero) }, StatusInvalidImageFormat},
		{"rescale clamp border", func() error { return f.stream.SubmitRescale(f.nv12a, small, InterpLinear, BorderClamp) }, StatusInvalidArgument},
		{"warp nil payload", func() error {
			return f.stream.SubmitPerspectiveWarp(nil, f.nv12a, geometry.Identity(), f.nv12b, InterpLinear, BorderZero)
		}, StatusInvalidArgument},
		{"warp format mismatch", func() error {
			return f.stream.SubmitPerspectiveWarp(f.warp, f.nv12a, geometry.Identity(), f.bgr, InterpLinear, BorderZero)
		}, StatusInvalidImageFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusOf(tt.submit()))
		})
	}
}

func TestWrapperRebind(t *testing.T) {
	f := newFixture(t, &recordingBackend{})

	wrapper, err := f.ctx.Wrap(nil, f.bgr.mat)
	require.NoError(t, err)
	assert.False(t, wrapper.owned)
	assert.Equal(t, FormatBGR8, wrapper.Format())

	same, err := f.ctx.Wrap(wrapper, f.bgr2.mat)
	require.NoError(t, err)
	assert.Same(t, wrapper, same)

	_, err = f.ctx.Wrap(wrapper, f.nv12a.mat)
	assert.Error(t, err)
	assert.Equal(t, 64, wrapper.Width())
	assert.Equal(t, 48, wrapper.Height())

	assert.Equal(t, StatusInvalidOperation, StatusOf(f.bgr.Rebind(f.bgr2.mat)))
}

func TestContextDestroyOnce(t *testing.T) {
	backend := &recordingBackend{}
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	ctx, err := NewContext(backend, log)
	require.NoError(t, err)
	stream, err := ctx.CreateStream(0)
	require.NoError(t, err)
	_, err = ctx.CreateStream(0)
	assert.Equal(t, StatusInvalidOperation, StatusOf(err))

	img, err := ctx.CreateImage(16, 16, FormatNV12ER)
	require.NoError(t, err)

	require.NoError(t, ctx.Destroy())
	require.NoError(t, ctx.Destroy())
	assert.Equal(t, 1, backend.closed)

	destroyed := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "Context destroyed" {
			destroyed++
		}
	}
	assert.Equal(t, 1, destroyed)

	assert.Equal(t, StatusInvalidOperation, StatusOf(stream.Sync()))
	_, err = ctx.CreateImage(16, 16, FormatBGR8)
	assert.Equal(t, StatusInvalidOperation, StatusOf(err))
	_, err = img.Lock()
	assert.Equal(t, StatusInvalidOperation, StatusOf(err))
}

func TestCreateImageRejectsBadShapes(t *testing.T) {
	log, _ := test.NewNullLogger()
	ctx, err := NewContext(&recordingBackend{}, log)
	require.NoError(t, err)
	defer ctx.Destroy()

	_, err = ctx.CreateImage(63, 48, FormatNV12ER)
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	_, err = ctx.CreateImage(0, 48, FormatBGR8)
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	_, err = ctx.CreateImage(64, 48, FormatInvalid)
	assert.Equal(t, StatusInvalidImageFormat, StatusOf(err))
}

func TestBackendRegistry(t *testing.T) {
	assert.Contains(t, Backends(), BackendCPU)

	b, err := NewBackend(BackendCPU)
	require.NoError(t, err)
	assert.Equal(t, BackendCPU, b.Name())
	require.NoError(t, b.Close())

	_, err = NewBackend("vulkan")
	assert.Error(t, err)
}
