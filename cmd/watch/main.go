// Command watch reads a camera or stream and runs the detector only on
// frames that contain motion, printing one JSON line per prediction.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/config"
	"github.com/nvr-ai/go-detect/cv"
	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/events"
	"github.com/nvr-ai/go-detect/logging"
)

// line is the JSON line printed for each prediction.
type line struct {
	events.Event
	Frame  int `json:"frame"`
	Motion int `json:"motion_regions"`
}

type options struct {
	configPath string
	source     string
	outDir     string
	window     bool
	minArea    float64
	cooldown   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file")
	flag.StringVar(&opts.source, "source", "0", "camera device id or stream URL")
	flag.StringVar(&opts.outDir, "out", "", "directory for the latest annotated frame (optional)")
	flag.BoolVar(&opts.window, "window", false, "show frames in a window")
	flag.Float64Var(&opts.minArea, "min-area", cv.DefaultMotionConfig().MinArea, "contour area that counts as motion")
	flag.DurationVar(&opts.cooldown, "cooldown", time.Second, "minimum time between predictions")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

// openSource treats a numeric source as a device id and anything else as a
// file or URL.
func openSource(source string) (*gocv.VideoCapture, error) {
	if id, err := strconv.Atoi(source); err == nil {
		return gocv.OpenVideoCapture(id)
	}
	return gocv.OpenVideoCapture(source)
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Detector.Logger = logger

	capture, err := openSource(opts.source)
	if err != nil {
		return errors.Wrapf(err, "open source %q", opts.source)
	}
	defer capture.Close()

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return errors.Wrap(err, "create output directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history *events.Store
	if cfg.Events.Database != "" {
		if history, err = events.Open(cfg.Events.Database); err != nil {
			return err
		}
		defer history.Close()
	}

	return detector.With(cfg.Detector, func(d *detector.Detector) error {
		w := &watcher{
			opts:     opts,
			maxSide:  cfg.MaxInputSide,
			detector: d,
			logger:   logger.Named("watch"),
			enc:      json.NewEncoder(os.Stdout),
			segment:  cv.NewMotionSegmenter(cv.MotionConfig{MinArea: opts.minArea}),
			history:  history,
		}
		defer w.segment.Close()
		if opts.window {
			w.window = gocv.NewWindow("watch")
			defer w.window.Close()
		}
		logger.Info("watching", zap.String("source", opts.source), zap.String("detector_id", d.ID()))
		return w.loop(ctx, capture)
	})
}

type watcher struct {
	opts     options
	maxSide  int
	detector *detector.Detector
	logger   *zap.Logger
	enc      *json.Encoder
	segment  *cv.MotionSegmenter
	window   *gocv.Window
	history  *events.Store

	lastSum  string
	lastRun  time.Time
	frames   int
	skipped  int
	predicts int
}

func (w *watcher) loop(ctx context.Context, capture *gocv.VideoCapture) error {
	frame := gocv.NewMat()
	defer frame.Close()

	for ctx.Err() == nil {
		if ok := capture.Read(&frame); !ok {
			w.logger.Info("stream ended", zap.Int("frames", w.frames), zap.Int("predictions", w.predicts))
			return nil
		}
		if frame.Empty() {
			continue
		}
		w.frames++

		if err := w.handle(ctx, frame); err != nil {
			return err
		}

		if w.window != nil {
			w.window.IMShow(frame)
			if w.window.WaitKey(1) == 27 {
				return nil
			}
		}
	}
	w.logger.Info("interrupted",
		zap.Int("frames", w.frames),
		zap.Int("skipped", w.skipped),
		zap.Int("predictions", w.predicts),
	)
	return nil
}

// handle gates a frame on novelty, motion, cooldown and detector
// availability before predicting on it.
func (w *watcher) handle(ctx context.Context, frame gocv.Mat) error {
	sum := cv.Checksum(frame)
	if sum == w.lastSum {
		w.skipped++
		return nil
	}
	w.lastSum = sum

	regions, err := w.segment.Regions(frame)
	if err != nil {
		return errors.Wrap(err, "segment motion")
	}
	if len(regions) == 0 {
		return nil
	}
	if time.Since(w.lastRun) < w.opts.cooldown || w.detector.Busy() {
		w.skipped++
		return nil
	}
	w.lastRun = time.Now()

	input := frame.Clone()
	defer func() { input.Close() }()
	cv.FitMat(&input, w.maxSide)

	arr, err := cv.FromMat(input)
	if err != nil {
		return err
	}
	start := time.Now()
	detections, err := w.detector.Predict(ctx, arr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Error("prediction failed", zap.Int("frame", w.frames), zap.Error(err))
		return nil
	}
	w.predicts++

	e := events.New(w.opts.source, [2]int{input.Rows(), input.Cols()}, time.Since(start), detections)
	if err := w.enc.Encode(line{Event: e, Frame: w.frames, Motion: len(regions)}); err != nil {
		return errors.Wrap(err, "write event")
	}
	if w.history != nil {
		if err := w.history.Record(ctx, e); err != nil {
			w.logger.Warn("failed to record event", zap.String("event_id", e.ID), zap.Error(err))
		}
	}

	if w.opts.outDir != "" && len(detections) > 0 {
		cv.DrawDetections(&input, detections, cv.BoxColor)
		out := filepath.Join(w.opts.outDir, "latest.jpg")
		if ok := gocv.IMWrite(out, input); !ok {
			w.logger.Warn("failed to write annotated frame", zap.String("file", out))
		}
	}
	return nil
}
