// Asynchronous in-order execution stream
package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marker-warp/internal/geometry"
)

// DefaultQueueDepth bounds the number of submitted, not yet executed items
const DefaultQueueDepth = 8

type task struct {
	op  string
	run func() error
}

// Stream executes submitted work on its own goroutine, strictly in
// submission order. Submission returns as soon as the work is queued. The
// first failure is kept until the next Sync and later work is skipped.
type Stream struct {
	ctx     *Context
	backend Backend
	log     logrus.FieldLogger

	queue    chan task
	pending  sync.WaitGroup
	inflight atomic.Int64
	done     chan struct{}

	errMu sync.Mutex
	err   error

	life   sync.RWMutex
	closed bool
}

func newStream(ctx *Context, depth int) *Stream {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	s := &Stream{
		ctx:     ctx,
		backend: ctx.backend,
		log:     ctx.log.WithField("component", "stream"),
		queue:   make(chan task, depth),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	defer close(s.done)
	for t := range s.queue {
		s.execute(t)
		s.inflight.Add(-1)
		s.pending.Done()
	}
}

func (s *Stream) execute(t task) {
	s.errMu.Lock()
	failed := s.err != nil
	s.errMu.Unlock()
	if failed {
		s.log.WithField("op", t.op).Debug("Skipping work after earlier failure")
		return
	}

	start := time.Now()
	err := s.run(t)
	if err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = wrapError(t.op, err)
		}
		s.errMu.Unlock()
		return
	}
	s.log.WithFields(logrus.Fields{
		"op":       t.op,
		"duration": time.Since(start),
	}).Trace("Work item done")
}

func (s *Stream) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(t.op, StatusInternalError, "panic in backend: %v", r)
		}
	}()
	return t.run()
}

func (s *Stream) submit(op string, run func() error) error {
	s.life.RLock()
	defer s.life.RUnlock()

	if s.closed {
		return newError(op, StatusInvalidOperation, "stream destroyed")
	}

	s.pending.Add(1)
	s.inflight.Add(1)
	s.queue <- task{op: op, run: run}
	return nil
}

// Busy reports whether submitted work has not finished yet
func (s *Stream) Busy() bool {
	return s.inflight.Load() > 0
}

// Sync blocks until all submitted work has executed and returns the first
// failure since the previous Sync.
func (s *Stream) Sync() error {
	s.life.RLock()
	closed := s.closed
	s.life.RUnlock()
	if closed {
		return newError(OpStreamSync, StatusInvalidOperation, "stream destroyed")
	}

	s.pending.Wait()

	s.errMu.Lock()
	err := s.err
	s.err = nil
	s.errMu.Unlock()
	return err
}

// SubmitConvertImageFormat converts src into dst's format. Both images must
// have the same dimensions.
func (s *Stream) SubmitConvertImageFormat(src, dst *Image) error {
	if err := checkPair(OpConvertImageFormat, src, dst); err != nil {
		return err
	}
	if src.Size() != dst.Size() {
		return newError(OpConvertImageFormat, StatusInvalidArgument,
			"size mismatch: %v -> %v", src.Size(), dst.Size())
	}
	if !convertible(src.format, dst.format) {
		return newError(OpConvertImageFormat, StatusInvalidImageFormat,
			"unsupported conversion %s -> %s", src.format, dst.format)
	}

	return s.submit(OpConvertImageFormat, func() error {
		return s.backend.ConvertImageFormat(src, dst)
	})
}

// SubmitRescale resizes src into dst. Formats must match and border must
// be BorderZero.
func (s *Stream) SubmitRescale(src, dst *Image, interp Interp, border Border) error {
	if err := checkPair(OpRescale, src, dst); err != nil {
		return err
	}
	if border != BorderZero {
		return newError(OpRescale, StatusInvalidArgument, "unsupported border %s", border)
	}
	if src.format != dst.format {
		return newError(OpRescale, StatusInvalidImageFormat,
			"format mismatch: %s -> %s", src.format, dst.format)
	}

	return s.submit(OpRescale, func() error {
		return s.backend.Rescale(src, dst, interp, border)
	})
}

// SubmitPerspectiveWarp maps src through xform into dst. Samples that fall
// outside src follow border.
func (s *Stream) SubmitPerspectiveWarp(p *Payload, src *Image, xform geometry.Transform, dst *Image, interp Interp, border Border) error {
	if p == nil || p.closed {
		return newError(OpPerspectiveWarp, StatusInvalidArgument, "invalid warp payload")
	}
	if p.ctx != s.ctx {
		return newError(OpPerspectiveWarp, StatusInvalidArgument, "payload belongs to another context")
	}
	if err := checkPair(OpPerspectiveWarp, src, dst); err != nil {
		return err
	}
	if src.format != dst.format {
		return newError(OpPerspectiveWarp, StatusInvalidImageFormat,
			"format mismatch: %s -> %s", src.format, dst.format)
	}

	return s.submit(OpPerspectiveWarp, func() error {
		return s.backend.PerspectiveWarp(p.impl, src, xform, dst, interp, border)
	})
}

func (s *Stream) destroy() {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.life.Unlock()

	<-s.done
}

func checkPair(op string, src, dst *Image) error {
	switch {
	case src == nil || dst == nil:
		return newError(op, StatusInvalidArgument, "nil image")
	case src.freed || dst.freed:
		return newError(op, StatusInvalidArgument, "image already destroyed")
	case src == dst:
		return newError(op, StatusInvalidArgument, "in-place operation not supported")
	case src.locked || dst.locked:
		return newError(op, StatusInvalidOperation, "image is locked")
	}
	return nil
}

func convertible(from, to Format) bool {
	switch {
	case from == to:
		return from != FormatInvalid
	case from == FormatBGR8 && to == FormatNV12ER:
		return true
	case from == FormatNV12ER && to == FormatBGR8:
		return true
	}
	return false
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(%s)", s.backend.Name())
}
