// Frame presentation
package io

import (
	"time"

	"gocv.io/x/gocv"
)

// NoKey is returned by PollKey when nothing was pressed
const NoKey = -1

// Window shows frames in a native OpenCV window
type Window struct {
	window *gocv.Window
}

func NewWindow(name string) *Window {
	return &Window{window: gocv.NewWindow(name)}
}

func (w *Window) Show(frame gocv.Mat) error {
	return w.window.IMShow(frame)
}

// PollKey waits up to delay for a key press and returns its code or NoKey
func (w *Window) PollKey(delay time.Duration) int {
	ms := int(delay / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return w.window.WaitKey(ms)
}

func (w *Window) Close() error {
	return w.window.Close()
}

// Headless discards frames; used when no display is attached
type Headless struct{}

func (h *Headless) Show(frame gocv.Mat) error {
	return nil
}

func (h *Headless) PollKey(delay time.Duration) int {
	return NoKey
}

func (h *Headless) Close() error {
	return nil
}
