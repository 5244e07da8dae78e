// Per-frame marker tracking and perspective compositing
package core

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"marker-warp/internal/geometry"
	"marker-warp/internal/gpu"
	"marker-warp/internal/metrics"
)

// MarkerDetector finds fiducial markers in a BGR frame
type MarkerDetector interface {
	Detect(frame gocv.Mat) []geometry.Marker
	Annotate(dst *gocv.Mat, markers []geometry.Marker)
}

// FrameReader yields sequential BGR frames; false once exhausted
type FrameReader interface {
	Read(m *gocv.Mat) bool
}

// Outcome of processing one live frame
type Outcome int

const (
	OutcomePassThrough Outcome = iota
	OutcomeComposite
	OutcomeExhausted
)

var outcomeNames = map[Outcome]string{
	OutcomePassThrough: metrics.OutcomePassThrough,
	OutcomeComposite:   metrics.OutcomeComposite,
	OutcomeExhausted:   metrics.OutcomeExhausted,
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Options fixes the geometry of a pipeline for its whole life
type Options struct {
	CaptureSize image.Point
	VideoSize   image.Point
	Corner      geometry.CornerRule
	QueueDepth  int
	Interp      gpu.Interp
	Background  color.RGBA
}

func (o *Options) normalize() (image.Rectangle, error) {
	if o.CaptureSize.X <= 0 || o.CaptureSize.Y <= 0 {
		return image.Rectangle{}, fmt.Errorf("pipeline: invalid capture size %v", o.CaptureSize)
	}
	if o.CaptureSize.X%2 != 0 || o.CaptureSize.Y%2 != 0 {
		return image.Rectangle{}, fmt.Errorf("pipeline: capture size %v must be even", o.CaptureSize)
	}
	crop := image.Rect(0, 0, o.VideoSize.X&^1, o.VideoSize.Y&^1)
	if crop.Empty() {
		return image.Rectangle{}, fmt.Errorf("pipeline: invalid video size %v", o.VideoSize)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = gpu.DefaultQueueDepth
	}
	return crop, nil
}

// Result describes a processed frame. Frame is the display buffer and stays
// valid until the next call to Process.
type Result struct {
	Outcome    Outcome
	Resolution geometry.Resolution
	Markers    int
	Quad       geometry.Quad
	Degenerate bool
	Frame      gocv.Mat
	Timings    metrics.Timings
}

// Sample converts the result into a stats sample
func (r Result) Sample() metrics.FrameSample {
	return metrics.FrameSample{
		Time:       time.Now(),
		Outcome:    r.Outcome.String(),
		Resolution: r.Resolution.String(),
		Degenerate: r.Degenerate,
		Timings:    r.Timings,
	}
}

// Pipeline tracks the marker quadrilateral in live frames and composites
// the secondary video into it. All GPU resources live in one context that
// Close destroys.
type Pipeline struct {
	opts     Options
	detector MarkerDetector
	logger   logrus.FieldLogger

	ctx       *gpu.Context
	stream    *gpu.Stream
	imgInput  *gpu.Image
	imgOutput *gpu.Image
	imgTemp   *gpu.Image
	imgVid    *gpu.Image
	imgDisp   *gpu.Image
	warp      *gpu.Payload

	srcRect   geometry.Quad
	videoCrop image.Rectangle

	display gocv.Mat
	video   gocv.Mat

	closeOnce sync.Once
	closeErr  error
}

// NewPipeline allocates the working images at capture size and the video
// staging image. Videos with odd dimensions lose their last row or column.
// The pipeline owns backend from here on, also when it fails.
func NewPipeline(opts Options, backend gpu.Backend, detector MarkerDetector, logger logrus.FieldLogger) (*Pipeline, error) {
	if backend == nil {
		return nil, fmt.Errorf("pipeline: nil backend")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	videoCrop, err := opts.normalize()
	if err == nil && detector == nil {
		err = fmt.Errorf("pipeline: nil detector")
	}
	if err != nil {
		backend.Close()
		return nil, err
	}

	ctx, err := gpu.NewContext(backend, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		opts:      opts,
		detector:  detector,
		logger:    logger,
		ctx:       ctx,
		srcRect:   geometry.RectQuad(float64(opts.CaptureSize.X), float64(opts.CaptureSize.Y)),
		videoCrop: videoCrop,
		display:   gocv.NewMat(),
		video:     gocv.NewMat(),
	}
	if err := p.allocate(); err != nil {
		p.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"backend":      backend.Name(),
		"capture_size": fmt.Sprintf("%dx%d", opts.CaptureSize.X, opts.CaptureSize.Y),
		"video_size":   fmt.Sprintf("%dx%d", opts.VideoSize.X, opts.VideoSize.Y),
		"corner":       opts.Corner.String(),
		"queue_depth":  opts.QueueDepth,
	}).Info("Pipeline ready")
	return p, nil
}

func (p *Pipeline) allocate() error {
	var err error
	w, h := p.opts.CaptureSize.X, p.opts.CaptureSize.Y

	if p.stream, err = p.ctx.CreateStream(p.opts.QueueDepth); err != nil {
		return err
	}
	if p.imgInput, err = p.ctx.CreateImage(w, h, gpu.FormatNV12ER); err != nil {
		return err
	}
	if p.imgOutput, err = p.ctx.CreateImage(w, h, gpu.FormatNV12ER); err != nil {
		return err
	}
	if p.imgTemp, err = p.ctx.CreateImage(p.videoCrop.Dx(), p.videoCrop.Dy(), gpu.FormatNV12ER); err != nil {
		return err
	}
	if p.warp, err = p.ctx.CreatePerspectiveWarp(); err != nil {
		return err
	}
	return nil
}

// Process handles one live frame. On composite frames live doubles as the
// read-back buffer for the warped video and is overwritten.
func (p *Pipeline) Process(live gocv.Mat, secondary FrameReader) (Result, error) {
	start := time.Now()
	res := Result{Frame: p.display}

	if err := ValidateFrameSize(live, p.opts.CaptureSize); err != nil {
		return res, fmt.Errorf("live frame: %w", err)
	}

	markers := p.detector.Detect(live)
	if err := live.CopyTo(&p.display); err != nil {
		return res, fmt.Errorf("copying live frame: %w", err)
	}
	res.Frame = p.display
	res.Markers = len(markers)
	res.Timings.Detect = time.Since(start)

	quad, resolution := geometry.ResolveQuad(markers, p.opts.Corner)
	res.Resolution = resolution
	if resolution != geometry.ResolutionComplete {
		if len(markers) > 0 {
			p.logger.WithFields(logrus.Fields{
				"ids":        geometry.IDs(markers),
				"resolution": resolution.String(),
			}).Debug("Incomplete marker set")
			p.detector.Annotate(&p.display, markers)
		}
		res.Outcome = OutcomePassThrough
		return p.finish(res, start), nil
	}
	res.Quad = quad

	xform, err := p.transform(quad)
	if err != nil {
		p.logger.WithError(err).WithField("quad", quad).Debug("Skipping degenerate target")
		p.detector.Annotate(&p.display, markers)
		res.Degenerate = true
		res.Outcome = OutcomePassThrough
		return p.finish(res, start), nil
	}

	if !secondary.Read(&p.video) || p.video.Empty() {
		res.Outcome = OutcomeExhausted
		return p.finish(res, start), nil
	}
	if p.video.Cols() != p.opts.VideoSize.X || p.video.Rows() != p.opts.VideoSize.Y {
		return res, fmt.Errorf("secondary frame is %dx%d, pipeline expects %dx%d",
			p.video.Cols(), p.video.Rows(), p.opts.VideoSize.X, p.opts.VideoSize.Y)
	}

	mark := time.Now()
	view := p.videoView()
	defer view.Close()
	if err := p.submit(view, live, xform); err != nil {
		// drain whatever was queued before the view goes away
		p.stream.Sync()
		return res, err
	}
	res.Timings.Submit = time.Since(mark)

	mark = time.Now()
	if err := p.stream.Sync(); err != nil {
		return res, err
	}
	res.Timings.Sync = time.Since(mark)

	mark = time.Now()
	warped, err := p.imgDisp.Lock()
	if err != nil {
		return res, err
	}
	err = Composite(&p.display, quad, warped, p.opts.Background)
	p.imgDisp.Unlock()
	if err != nil {
		return res, err
	}
	res.Timings.Composite = time.Since(mark)

	res.Outcome = OutcomeComposite
	return p.finish(res, start), nil
}

func (p *Pipeline) finish(res Result, start time.Time) Result {
	res.Frame = p.display
	res.Timings.Total = time.Since(start)
	return res
}

// transform maps the full capture rectangle onto quad
func (p *Pipeline) transform(quad geometry.Quad) (geometry.Transform, error) {
	if err := quad.Validate(); err != nil {
		return geometry.Transform{}, err
	}
	return geometry.PerspectiveTransform(p.srcRect, quad)
}

// videoView returns the even-sized part of the current video frame
func (p *Pipeline) videoView() gocv.Mat {
	return p.video.Region(p.videoCrop)
}

// submit rebinds the host wrappers and enqueues the four GPU stages:
// video to NV12, rescale to capture size, warp, back to BGR into live.
func (p *Pipeline) submit(video, live gocv.Mat, xform geometry.Transform) error {
	imgVid, err := p.ctx.Wrap(p.imgVid, video)
	if err != nil {
		return err
	}
	p.imgVid = imgVid

	imgDisp, err := p.ctx.Wrap(p.imgDisp, live)
	if err != nil {
		return err
	}
	p.imgDisp = imgDisp

	if err := p.stream.SubmitConvertImageFormat(p.imgVid, p.imgTemp); err != nil {
		return err
	}
	if err := p.stream.SubmitRescale(p.imgTemp, p.imgInput, p.opts.Interp, gpu.BorderZero); err != nil {
		return err
	}
	if err := p.stream.SubmitPerspectiveWarp(p.warp, p.imgInput, xform, p.imgOutput, p.opts.Interp, gpu.BorderZero); err != nil {
		return err
	}
	return p.stream.SubmitConvertImageFormat(p.imgOutput, p.imgDisp)
}

// Close destroys the GPU context and host buffers. Safe to call repeatedly.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.ctx.Destroy()
		p.display.Close()
		p.video.Close()
	})
	return p.closeErr
}
