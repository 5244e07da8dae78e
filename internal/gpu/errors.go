package gpu

import (
	"errors"
	"fmt"
)

// Status classifies pipeline failures
type Status int

const (
	StatusInvalidArgument Status = iota + 1
	StatusInvalidImageFormat
	StatusInvalidOperation
	StatusNotReady
	StatusOutOfMemory
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusInvalidImageFormat:
		return "invalid image format"
	case StatusInvalidOperation:
		return "invalid operation"
	case StatusNotReady:
		return "not ready"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Operation names used in StatusError.Op
const (
	OpContextCreate      = "context_create"
	OpStreamCreate       = "stream_create"
	OpStreamSync         = "stream_sync"
	OpImageCreate        = "image_create"
	OpImageWrap          = "image_wrap"
	OpImageRebind        = "image_rebind"
	OpImageLock          = "image_lock"
	OpPayloadCreate      = "payload_create"
	OpConvertImageFormat = "convert_image_format"
	OpRescale            = "rescale"
	OpPerspectiveWarp    = "perspective_warp"
)

// StatusError is returned by every failing pipeline call
type StatusError struct {
	Op     string
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func newError(op string, status Status, format string, args ...interface{}) *StatusError {
	return &StatusError{Op: op, Status: status, Err: fmt.Errorf(format, args...)}
}

// wrapError attaches op to err unless err already carries a status
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	return &StatusError{Op: op, Status: StatusInternalError, Err: err}
}

// StatusOf extracts the status of a pipeline error, or 0
func StatusOf(err error) Status {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
