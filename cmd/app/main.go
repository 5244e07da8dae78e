// Marker Warp - composites a video into the marker-framed region of a live camera feed

package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marker-warp/internal/app"
	"marker-warp/internal/config"
	"marker-warp/internal/core"
	"marker-warp/internal/detect"
	"marker-warp/internal/gpu"
	devio "marker-warp/internal/io"
)

const (
	AppName    = "marker-warp"
	AppVersion = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		flagCfg    = config.Default()
	)

	cmd := &cobra.Command{
		Use:     AppName + " --video <file>",
		Short:   "Composite a video into the area framed by four ArUco markers",
		Version: AppVersion,
		Long: `Tracks ArUco markers 0-3 in a live camera feed and warps a secondary video
into the quadrilateral they frame. Frames without a complete marker set are
shown unchanged. Press any key in the window or send SIGINT to stop.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(&cfg, flagCfg, cmd.Flags().Changed)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := initLogger(debug, cfg.Logging)
			log := logger.WithField("run_id", uuid.NewString())
			log.WithFields(logrus.Fields{
				"version":    AppVersion,
				"debug_mode": debug,
				"video":      cfg.Video,
				"camera":     cfg.Camera.Index,
				"backend":    cfg.Pipeline.Backend,
			}).Info("Starting " + AppName)

			if err := run(cfg, log); err != nil {
				log.WithError(err).WithFields(errorFields(err)).Error("Run failed")
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flagCfg.Video, "video", "v", flagCfg.Video, "secondary video file (required)")
	f.IntVarP(&flagCfg.Camera.Index, "camera", "c", flagCfg.Camera.Index, "camera device index")
	f.IntVarP(&flagCfg.Camera.Width, "width", "w", flagCfg.Camera.Width, "requested capture width")
	f.IntVarP(&flagCfg.Camera.Height, "height", "h", flagCfg.Camera.Height, "requested capture height")
	f.Float64Var(&flagCfg.Camera.FPS, "fps", flagCfg.Camera.FPS, "requested capture frame rate")
	f.IntVar(&flagCfg.Camera.BufferSize, "buffer-size", flagCfg.Camera.BufferSize, "capture buffer size in frames")
	f.StringVar(&flagCfg.Markers.Dictionary, "dictionary", flagCfg.Markers.Dictionary,
		"ArUco dictionary ("+strings.Join(detect.Dictionaries(), "|")+")")
	f.StringVar(&flagCfg.Markers.Corner, "corner", flagCfg.Markers.Corner, "marker corner used as target vertex (outer|0-3)")
	f.StringVar(&flagCfg.Pipeline.Backend, "backend", flagCfg.Pipeline.Backend,
		"compute backend ("+strings.Join(gpu.Backends(), "|")+")")
	f.BoolVar(&flagCfg.Display.Headless, "headless", flagCfg.Display.Headless, "run without a display window")
	f.DurationVar(&flagCfg.Display.KeyDelay, "key-delay", flagCfg.Display.KeyDelay, "key polling delay per frame")
	f.StringVar(&flagCfg.Logging.Format, "log-format", flagCfg.Logging.Format, "log format (text|json)")
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.BoolVar(&debug, "debug", false, "enable debug mode with verbose logging")

	return cmd
}

// applyFlags copies explicitly set flags over the file configuration
func applyFlags(dst *config.Config, src config.Config, changed func(string) bool) {
	if changed("video") {
		dst.Video = src.Video
	}
	if changed("camera") {
		dst.Camera.Index = src.Camera.Index
	}
	if changed("width") {
		dst.Camera.Width = src.Camera.Width
	}
	if changed("height") {
		dst.Camera.Height = src.Camera.Height
	}
	if changed("fps") {
		dst.Camera.FPS = src.Camera.FPS
	}
	if changed("buffer-size") {
		dst.Camera.BufferSize = src.Camera.BufferSize
	}
	if changed("dictionary") {
		dst.Markers.Dictionary = src.Markers.Dictionary
	}
	if changed("corner") {
		dst.Markers.Corner = src.Markers.Corner
	}
	if changed("backend") {
		dst.Pipeline.Backend = src.Pipeline.Backend
	}
	if changed("headless") {
		dst.Display.Headless = src.Display.Headless
	}
	if changed("key-delay") {
		dst.Display.KeyDelay = src.Display.KeyDelay
	}
	if changed("log-format") {
		dst.Logging.Format = src.Logging.Format
	}
}

// display is what the loop shows frames on
type display interface {
	app.Display
	Close() error
}

func run(cfg config.Config, log logrus.FieldLogger) error {
	camera, err := devio.OpenCamera(cfg.Camera, log)
	if err != nil {
		return err
	}
	defer camera.Close()

	video, err := devio.NewVideoLoader(log).Open(cfg.Video)
	if err != nil {
		return err
	}
	defer video.Close()

	detector, err := detect.New(cfg.Markers.Dictionary, log)
	if err != nil {
		return err
	}
	defer detector.Close()

	backend, err := gpu.NewBackend(cfg.Pipeline.Backend)
	if err != nil {
		return err
	}

	camInfo, vidInfo := camera.Info(), video.Info()
	pipeline, err := core.NewPipeline(core.Options{
		CaptureSize: image.Pt(camInfo.Width, camInfo.Height),
		VideoSize:   image.Pt(vidInfo.Width, vidInfo.Height),
		Corner:      cfg.CornerRule(),
		QueueDepth:  cfg.Pipeline.QueueDepth,
		Interp:      interpolation(cfg.Pipeline.Interpolation),
		Background:  background(cfg.Pipeline.Background),
	}, backend, detector, log)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	var out display = &devio.Headless{}
	if !cfg.Display.Headless {
		out = devio.NewWindow(cfg.Display.Window)
	}
	defer out.Close()

	runner := app.NewRunner(pipeline, camera, video, out, app.Options{
		KeyDelay:      cfg.Display.KeyDelay,
		StatsInterval: cfg.Logging.StatsInterval,
	}, log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig.String()).Info("Signal received, stopping")
		runner.Abort()
	}()

	start := time.Now()
	reason, err := runner.Run()
	log.WithFields(logrus.Fields{
		"reason":  reason.String(),
		"runtime": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Application shutting down")
	return err
}

// errorFields adds the pipeline status and stage of GPU failures
func errorFields(err error) logrus.Fields {
	fields := logrus.Fields{}
	if status := gpu.StatusOf(err); status != 0 {
		fields["status"] = status.String()
	}
	var se *gpu.StatusError
	if errors.As(err, &se) {
		fields["op"] = se.Op
	}
	return fields
}

func interpolation(name string) gpu.Interp {
	if strings.EqualFold(name, "nearest") {
		return gpu.InterpNearest
	}
	return gpu.InterpLinear
}

// background converts the configured BGR triple
func background(bgr [3]int) color.RGBA {
	return color.RGBA{B: uint8(bgr[0]), G: uint8(bgr[1]), R: uint8(bgr[2]), A: 255}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool, cfg config.Logging) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
		return logger
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}
