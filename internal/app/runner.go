// Main capture/composite/display loop
package app

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"marker-warp/internal/core"
	"marker-warp/internal/metrics"
)

// Processor turns a live frame into a display frame
type Processor interface {
	Process(live gocv.Mat, secondary core.FrameReader) (core.Result, error)
	Close() error
}

// Display presents frames and reports key presses; PollKey returns a
// negative value when no key was pressed.
type Display interface {
	Show(frame gocv.Mat) error
	PollKey(delay time.Duration) int
}

// StopReason tells why Run returned
type StopReason int

const (
	StopAborted StopReason = iota
	StopKey
	StopCameraEnd
	StopVideoEnd
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopAborted:
		return "aborted"
	case StopKey:
		return "key"
	case StopCameraEnd:
		return "camera_end"
	case StopVideoEnd:
		return "video_end"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

type Options struct {
	KeyDelay      time.Duration
	StatsInterval int
}

// Runner owns the processor for the duration of Run and closes it on every
// exit path. Devices stay owned by the caller.
type Runner struct {
	processor Processor
	camera    core.FrameReader
	video     core.FrameReader
	display   Display
	opts      Options
	stats     *metrics.LoopStats
	logger    logrus.FieldLogger

	abort atomic.Bool
}

func NewRunner(processor Processor, camera, video core.FrameReader, display Display, opts Options, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		processor: processor,
		camera:    camera,
		video:     video,
		display:   display,
		opts:      opts,
		stats:     metrics.NewLoopStats(metrics.DefaultWindow),
		logger:    logger,
	}
}

// Abort asks the loop to stop before its next frame. Safe to call from a
// signal handler goroutine.
func (r *Runner) Abort() {
	r.abort.Store(true)
}

// Stats exposes the loop statistics
func (r *Runner) Stats() *metrics.LoopStats {
	return r.stats
}

// Run grabs, processes and shows frames until aborted, a key is pressed, a
// source runs dry or a frame cannot be processed or shown. Only the last
// two are errors.
func (r *Runner) Run() (reason StopReason, err error) {
	defer func() {
		if cerr := r.processor.Close(); cerr != nil {
			r.logger.WithError(cerr).Error("Failed to release pipeline")
			if err == nil {
				err = cerr
				reason = StopError
			}
		}
		r.logger.WithFields(r.stats.Snapshot().Fields()).
			WithField("reason", reason.String()).
			Info("Loop finished")
	}()

	frame := gocv.NewMat()
	defer frame.Close()

	r.logger.Info("Start grabbing")
	for frames := 1; ; frames++ {
		if r.abort.Load() {
			r.logger.Info("Aborted")
			return StopAborted, nil
		}

		if !r.camera.Read(&frame) {
			r.logger.Error("Blank frame grabbed")
			return StopCameraEnd, nil
		}

		res, err := r.processor.Process(frame, r.video)
		if err != nil {
			r.logger.WithError(err).Error("Frame processing failed")
			return StopError, err
		}
		r.stats.Record(res.Sample())

		if res.Outcome == core.OutcomeExhausted {
			r.logger.Info("Secondary video finished")
			return StopVideoEnd, nil
		}

		if err := r.display.Show(res.Frame); err != nil {
			r.logger.WithError(err).Error("Frame display failed")
			return StopError, fmt.Errorf("showing frame: %w", err)
		}
		if key := r.display.PollKey(r.opts.KeyDelay); key >= 0 {
			r.logger.WithField("key", key).Info("Key pressed, stopping")
			return StopKey, nil
		}

		if r.opts.StatsInterval > 0 && frames%r.opts.StatsInterval == 0 {
			r.logger.WithFields(r.stats.Snapshot().Fields()).Debug("Loop stats")
		}
	}
}
