// Secondary video opening and validation
package io

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrDeviceOpen wraps failures to open the camera or the video file
var ErrDeviceOpen = errors.New("cannot open device")

// VideoInfo describes an opened video source
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Codec      string
}

// Video is a sequential frame reader over a video file
type Video struct {
	capture *gocv.VideoCapture
	info    VideoInfo
	path    string
}

// VideoLoader opens secondary video files
type VideoLoader struct {
	logger logrus.FieldLogger
}

func NewVideoLoader(logger logrus.FieldLogger) *VideoLoader {
	return &VideoLoader{
		logger: logger,
	}
}

// Open validates path and opens it for sequential reading
func (vl *VideoLoader) Open(path string) (*Video, error) {
	vl.logger.WithField("path", path).Debug("Opening video file")

	if err := vl.ValidateVideoFile(path); err != nil {
		return nil, err
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: video file %s: %v", ErrDeviceOpen, path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: can't open the video file: %s", ErrDeviceOpen, path)
	}

	v := &Video{
		capture: capture,
		path:    path,
		info: VideoInfo{
			Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
			FPS:        capture.Get(gocv.VideoCaptureFPS),
			FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
			Codec:      capture.CodecString(),
		},
	}

	if v.info.Width <= 0 || v.info.Height <= 0 {
		v.Close()
		return nil, fmt.Errorf("%w: video file %s reports invalid size %dx%d",
			ErrDeviceOpen, path, v.info.Width, v.info.Height)
	}

	vl.logger.WithFields(logrus.Fields{
		"path":   path,
		"width":  v.info.Width,
		"height": v.info.Height,
		"fps":    v.info.FPS,
		"frames": v.info.FrameCount,
		"codec":  v.info.Codec,
	}).Info("Video file opened")

	return v, nil
}

// ValidateVideoFile checks that path names a readable file with a known
// container extension
func (vl *VideoLoader) ValidateVideoFile(path string) error {
	if !vl.isSupportedVideoFormat(path) {
		return fmt.Errorf("%w: unsupported video format: %s (supported: %s)",
			ErrDeviceOpen, path, strings.Join(vl.GetSupportedFormats(), ", "))
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceOpen, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrDeviceOpen, path)
	}

	return nil
}

func (vl *VideoLoader) isSupportedVideoFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range supportedVideoFormats {
		if ext == format {
			return true
		}
	}
	return false
}

var supportedVideoFormats = []string{".mp4", ".m4v", ".mov", ".avi", ".mkv", ".webm", ".mpg", ".mpeg", ".wmv"}

// GetSupportedFormats lists the accepted file extensions
func (vl *VideoLoader) GetSupportedFormats() []string {
	out := make([]string, len(supportedVideoFormats))
	copy(out, supportedVideoFormats)
	return out
}

// Read fills m with the next frame; false once the file is exhausted
func (v *Video) Read(m *gocv.Mat) bool {
	return v.capture.Read(m) && !m.Empty()
}

func (v *Video) Info() VideoInfo {
	return v.info
}

func (v *Video) Close() error {
	return v.capture.Close()
}
