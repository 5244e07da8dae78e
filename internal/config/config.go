// Run configuration: defaults, YAML overlay and validation
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"marker-warp/internal/geometry"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the validated record handed to the pipeline and device layers
type Config struct {
	Video    string   `yaml:"video"`
	Camera   Camera   `yaml:"camera"`
	Markers  Markers  `yaml:"markers"`
	Pipeline Pipeline `yaml:"pipeline"`
	Display  Display  `yaml:"display"`
	Logging  Logging  `yaml:"logging"`
}

// Camera holds the requested capture properties. The device may negotiate
// different values; the negotiated ones win.
type Camera struct {
	Index      int     `yaml:"index"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	FPS        float64 `yaml:"fps"`
	BufferSize int     `yaml:"buffer_size"`
	API        string  `yaml:"api"` // v4l2, any
}

type Markers struct {
	Dictionary string `yaml:"dictionary"`
	Corner     string `yaml:"corner"` // outer, 0-3
}

type Pipeline struct {
	Backend       string `yaml:"backend"`
	QueueDepth    int    `yaml:"queue_depth"`
	Interpolation string `yaml:"interpolation"` // linear, nearest
	Background    [3]int `yaml:"background"`    // BGR fill for the target region
}

type Display struct {
	Window   string        `yaml:"window"`
	Headless bool          `yaml:"headless"`
	KeyDelay time.Duration `yaml:"key_delay"`
}

type Logging struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // text, json
	StatsInterval int    `yaml:"stats_interval"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Camera: Camera{
			Index:      0,
			Width:      640,
			Height:     480,
			FPS:        30,
			BufferSize: 3,
			API:        "v4l2",
		},
		Markers: Markers{
			Dictionary: "4x4_50",
			Corner:     "outer",
		},
		Pipeline: Pipeline{
			Backend:       "cpu",
			QueueDepth:    8,
			Interpolation: "linear",
		},
		Display: Display{
			Window:   "Capture",
			KeyDelay: 5 * time.Millisecond,
		},
		Logging: Logging{
			Level:         "info",
			Format:        "json",
			StatsInterval: 300,
		},
	}
}

// Load overlays the YAML file at path onto the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}

	return cfg, nil
}

// Validate checks every field the pipeline depends on
func (c Config) Validate() error {
	if strings.TrimSpace(c.Video) == "" {
		return fmt.Errorf("%w: video file not specified", ErrInvalid)
	}
	if c.Camera.Index < 0 {
		return fmt.Errorf("%w: camera index must be >= 0, got %d", ErrInvalid, c.Camera.Index)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("%w: capture size must be positive, got %dx%d",
			ErrInvalid, c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("%w: camera fps must be positive, got %g", ErrInvalid, c.Camera.FPS)
	}
	if c.Camera.BufferSize < 1 {
		return fmt.Errorf("%w: camera buffer size must be >= 1, got %d", ErrInvalid, c.Camera.BufferSize)
	}
	switch strings.ToLower(c.Camera.API) {
	case "v4l2", "any":
	default:
		return fmt.Errorf("%w: camera api must be v4l2 or any, got %q", ErrInvalid, c.Camera.API)
	}

	if strings.TrimSpace(c.Markers.Dictionary) == "" {
		return fmt.Errorf("%w: marker dictionary not specified", ErrInvalid)
	}
	if _, err := geometry.ParseCornerRule(c.Markers.Corner); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if strings.TrimSpace(c.Pipeline.Backend) == "" {
		return fmt.Errorf("%w: pipeline backend not specified", ErrInvalid)
	}
	if c.Pipeline.QueueDepth < 1 {
		return fmt.Errorf("%w: queue depth must be >= 1, got %d", ErrInvalid, c.Pipeline.QueueDepth)
	}
	switch strings.ToLower(c.Pipeline.Interpolation) {
	case "linear", "nearest":
	default:
		return fmt.Errorf("%w: interpolation must be linear or nearest, got %q",
			ErrInvalid, c.Pipeline.Interpolation)
	}
	for _, v := range c.Pipeline.Background {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: background components must be 0-255, got %v",
				ErrInvalid, c.Pipeline.Background)
		}
	}

	if c.Display.KeyDelay < time.Millisecond {
		return fmt.Errorf("%w: key delay must be at least 1ms, got %s", ErrInvalid, c.Display.KeyDelay)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalid, c.Logging.Format)
	}
	if c.Logging.StatsInterval < 0 {
		return fmt.Errorf("%w: stats interval must be >= 0, got %d", ErrInvalid, c.Logging.StatsInterval)
	}

	return nil
}

// CornerRule returns the parsed marker corner rule; call after Validate
func (c Config) CornerRule() geometry.CornerRule {
	rule, _ := geometry.ParseCornerRule(c.Markers.Corner)
	return rule
}
