// Command detect runs the detector over a directory of images, printing one
// JSON line per image and optionally writing annotated copies.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/config"
	"github.com/nvr-ai/go-detect/cv"
	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/logging"
	"github.com/nvr-ai/go-detect/util"
)

// result is the JSON line printed for each image.
type result struct {
	File       string               `json:"file"`
	Frame      int                  `json:"frame,omitempty"`
	Detections []detector.Detection `json:"detections"`
	Error      string               `json:"error,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		dir        = flag.String("dir", "", "directory of images to run")
		outDir     = flag.String("out", "", "directory for annotated copies (optional)")
		threshold  = flag.Float64("threshold", -1, "score threshold override in [0, 1]")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *dir, *outDir, *threshold); err != nil {
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dir, outDir string, threshold float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if threshold >= 0 {
		cfg.Detector.Threshold = float32(threshold)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Detector.Logger = logger

	files, err := util.LoadDirectoryImageFiles(dir)
	if err != nil {
		return err
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return errors.Wrap(err, "create output directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	return detector.With(cfg.Detector, func(d *detector.Detector) error {
		for _, file := range files {
			if ctx.Err() != nil {
				logger.Info("interrupted", zap.String("next", file.Path))
				return nil
			}
			res := processFile(ctx, d, file, outDir, cfg.MaxInputSide, logger)
			if err := enc.Encode(res); err != nil {
				return errors.Wrap(err, "write result")
			}
		}
		stats := d.Stats()
		logger.Info("batch complete",
			zap.Int("images", len(files)),
			zap.Int64("inferences", stats.Inferences),
			zap.Duration("average", stats.Average),
		)
		return nil
	})
}

func processFile(ctx context.Context, d *detector.Detector, file util.ImageFile, outDir string, maxSide int, logger *zap.Logger) result {
	res := result{File: file.Path}
	if file.Frame > 0 {
		res.Frame = file.Frame
	}

	mat, err := gocv.IMDecode(file.Data, gocv.IMReadColor)
	if err != nil {
		res.Error = err.Error()
		logger.Warn("skipping undecodable image", zap.String("file", file.Path), zap.Error(err))
		return res
	}
	defer func() { mat.Close() }()
	if mat.Empty() {
		res.Error = "failed to decode image"
		logger.Warn("skipping undecodable image", zap.String("file", file.Path))
		return res
	}

	cv.FitMat(&mat, maxSide)

	arr, err := cv.FromMat(mat)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	detections, err := d.Predict(ctx, arr)
	if err != nil {
		res.Error = err.Error()
		logger.Error("prediction failed", zap.String("file", file.Path), zap.Error(err))
		return res
	}
	res.Detections = detections

	if outDir != "" && len(detections) > 0 {
		cv.DrawDetections(&mat, detections, cv.BoxColor)
		out := filepath.Join(outDir, file.Name())
		if ok := gocv.IMWrite(out, mat); !ok {
			logger.Warn("failed to write annotated image", zap.String("file", out))
		}
	}
	return res
}
