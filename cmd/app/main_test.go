package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marker-warp/internal/config"
	"marker-warp/internal/gpu"
)

func TestApplyFlagsOnlyCopiesChangedFlags(t *testing.T) {
	dst := config.Default()
	dst.Video = "from-file.mp4"
	dst.Camera.Width = 1920

	src := config.Default()
	src.Video = "from-flag.mp4"
	src.Camera.Width = 320
	src.Markers.Corner = "2"
	src.Display.KeyDelay = 20 * time.Millisecond

	changed := map[string]bool{"video": true, "corner": true, "key-delay": true}
	applyFlags(&dst, src, func(name string) bool { return changed[name] })

	assert.Equal(t, "from-flag.mp4", dst.Video)
	assert.Equal(t, 1920, dst.Camera.Width)
	assert.Equal(t, "2", dst.Markers.Corner)
	assert.Equal(t, 20*time.Millisecond, dst.Display.KeyDelay)
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()

	shorthands := map[string]string{
		"video":  "v",
		"camera": "c",
		"width":  "w",
		"height": "h",
	}
	for name, short := range shorthands {
		f := cmd.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, short, f.Shorthand, name)
	}
	for _, name := range []string{"fps", "buffer-size", "dictionary", "corner", "backend", "headless", "key-delay", "config", "debug", "log-format"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRootCmdRequiresVideo(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--headless"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCmdRejectsBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("video: a.mp4\ncamra:\n  index: 1\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	assert.ErrorIs(t, cmd.Execute(), config.ErrInvalid)
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(true, config.Logging{Level: "warn", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = initLogger(false, config.Logging{Level: "warn", Format: "json"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = initLogger(false, config.Logging{Level: "info", Format: "text"})
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestErrorFields(t *testing.T) {
	stageErr := &gpu.StatusError{Op: gpu.OpRescale, Status: gpu.StatusInternalError, Err: errors.New("resize failed")}

	fields := errorFields(fmt.Errorf("running pipeline: %w", stageErr))
	assert.Equal(t, "internal error", fields["status"])
	assert.Equal(t, gpu.OpRescale, fields["op"])

	assert.Empty(t, errorFields(errors.New("camera unplugged")))
}

func TestBackgroundAndInterpolation(t *testing.T) {
	c := background([3]int{10, 20, 30})
	assert.Equal(t, uint8(10), c.B)
	assert.Equal(t, uint8(30), c.R)

	assert.Equal(t, gpu.InterpNearest, interpolation("Nearest"))
	assert.Equal(t, gpu.InterpLinear, interpolation("linear"))
}
