// Camera acquisition and property negotiation
package io

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"marker-warp/internal/config"
)

// CameraInfo holds the properties the device actually accepted
type CameraInfo struct {
	Width      int
	Height     int
	FPS        float64
	BufferSize int
}

// Camera is an open capture device yielding BGR frames
type Camera struct {
	capture *gocv.VideoCapture
	info    CameraInfo
}

// OpenCamera opens the device, requests the configured properties and
// reads back what was negotiated.
func OpenCamera(cfg config.Camera, logger logrus.FieldLogger) (*Camera, error) {
	api := gocv.VideoCaptureV4L2
	if strings.EqualFold(cfg.API, "any") {
		api = gocv.VideoCaptureAny
	}

	capture, err := gocv.VideoCaptureDeviceWithAPI(cfg.Index, api)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrDeviceOpen, cfg.Index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: unable to open camera: %d", ErrDeviceOpen, cfg.Index)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, cfg.FPS)
	capture.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))

	c := &Camera{
		capture: capture,
		info: CameraInfo{
			Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
			FPS:        capture.Get(gocv.VideoCaptureFPS),
			BufferSize: int(capture.Get(gocv.VideoCaptureBufferSize)),
		},
	}

	fields := logrus.Fields{
		"camera":           cfg.Index,
		"api":              strings.ToLower(cfg.API),
		"width":            c.info.Width,
		"height":           c.info.Height,
		"fps":              c.info.FPS,
		"buffer_size":      c.info.BufferSize,
		"requested_width":  cfg.Width,
		"requested_height": cfg.Height,
	}
	if c.info.Width != cfg.Width || c.info.Height != cfg.Height {
		logger.WithFields(fields).Warn("Camera negotiated a different frame size")
	} else {
		logger.WithFields(fields).Info("Camera opened")
	}

	if c.info.Width <= 0 || c.info.Height <= 0 {
		c.Close()
		return nil, fmt.Errorf("%w: camera %d reports invalid size %dx%d",
			ErrDeviceOpen, cfg.Index, c.info.Width, c.info.Height)
	}

	return c, nil
}

// Read blocks until the next frame is available; false on a blank grab
func (c *Camera) Read(m *gocv.Mat) bool {
	return c.capture.Read(m) && !m.Empty()
}

func (c *Camera) Info() CameraInfo {
	return c.info
}

func (c *Camera) Close() error {
	return c.capture.Close()
}
