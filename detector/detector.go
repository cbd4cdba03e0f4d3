// Package detector - Object detection over a frozen detection graph.
//
// A Detector owns one runtime session and a category index. Predict reorders
// an RGB image to BGR, runs one forward pass and returns the boxes whose score
// reaches the threshold, in the order the graph produced them.
package detector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detect/images"
	"github.com/nvr-ai/go-detect/inference"
	"github.com/nvr-ai/go-detect/labels"
)

// Detector runs a detection graph on one image at a time.
type Detector struct {
	id        string
	threshold float32
	index     labels.CategoryIndex
	logger    *zap.Logger

	// mu serializes Predict and Close.
	mu     sync.Mutex
	runner inference.Runner

	// state is read without mu so Busy never waits on a forward pass.
	state atomic.Int32

	statsMu sync.Mutex
	stats   Stats
}

// New loads the label map and the graph described by cfg. Nothing is left
// open when it fails.
//
// Arguments:
//   - cfg: The detector configuration; start from DefaultConfig.
//
// Returns:
//   - *Detector: A ready detector that must be closed.
//   - error: ErrInvalidConfig, ErrLoadLabels or ErrLoadGraph as the cause. The
//     underlying error stays reachable with errors.Is and errors.As.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.logger()

	index, err := labels.Load(cfg.LabelsPath, cfg.NumClasses, logger)
	if err != nil {
		return nil, loadError(ErrLoadLabels, err)
	}

	if err := inference.InitEnvironment(cfg.Runtime); err != nil {
		return nil, loadError(ErrLoadGraph, err)
	}
	session, err := inference.NewSession(cfg.GraphPath, cfg.Runtime)
	if err != nil {
		return nil, loadError(ErrLoadGraph, err)
	}

	d, err := NewWithSession(session, index, cfg)
	if err != nil {
		session.Close()
		return nil, err
	}
	d.logger.Info("detector ready",
		zap.String("graph", cfg.GraphPath),
		zap.String("labels", cfg.LabelsPath),
		zap.Int("categories", len(index)),
	)
	return d, nil
}

// NewWithSession builds a Detector over an open runner. The detector takes
// ownership of the runner and closes it in Close. A nil index falls back to
// category_1..category_N names.
func NewWithSession(runner inference.Runner, index labels.CategoryIndex, cfg Config) (*Detector, error) {
	if runner == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil runner")
	}
	if err := cfg.validateScoring(); err != nil {
		return nil, err
	}
	if index == nil {
		index = labels.CreateCategoryIndex(labels.DefaultCategories(cfg.NumClasses))
	}

	id := uuid.New().String()
	d := &Detector{
		id:        id,
		threshold: cfg.Threshold,
		index:     index,
		logger:    cfg.logger().Named("detector").With(zap.String("detector_id", id)),
		runner:    runner,
	}
	d.state.Store(int32(Idle))
	return d, nil
}

// With builds a detector, hands it to fn and closes it when fn returns or
// panics. A Close error is returned only when fn succeeded.
func With(cfg Config, fn func(*Detector) error) (err error) {
	d, err := New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(d)
}

// Predict runs the graph on an RGB image array of shape (height, width, 3).
// Concurrent callers are served one at a time. The image is not modified.
//
// Arguments:
//   - ctx: Checked before the forward pass; a running pass is not interrupted.
//   - img: The RGB image array.
//
// Returns:
//   - []Detection: Boxes scoring at least the threshold, in graph order. Never nil on success.
//   - error: ErrClosed, images.ErrShape, the context error or the runtime error.
func (d *Detector) Predict(ctx context.Context, img *tensor.Dense) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == Closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.state.Store(int32(Running))
	defer d.state.Store(int32(Idle))

	bgr, height, width, err := images.ToBGR(img)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := d.runner.Run(inference.Input{Height: height, Width: width, Pixels: bgr})
	elapsed := time.Since(start)
	d.recordRun(elapsed, err)
	if err != nil {
		d.logger.Error("forward pass failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return nil, errors.Wrap(err, "forward pass")
	}

	detections := d.postprocess(out, height, width)
	d.logger.Debug("prediction complete",
		zap.Int("height", height),
		zap.Int("width", width),
		zap.Int("candidates", out.NumDetections),
		zap.Int("detections", len(detections)),
		zap.Duration("elapsed", elapsed),
	)
	return detections, nil
}

func (d *Detector) postprocess(out *inference.Output, height, width int) []Detection {
	detections := make([]Detection, 0)
	h, w := float64(height), float64(width)

	for i := 0; i < out.NumDetections; i++ {
		score := out.Scores[i]
		if !(score >= d.threshold) {
			continue
		}
		b := out.Boxes[4*i : 4*i+4]
		classID := int(out.Classes[i])
		detections = append(detections, Detection{
			Score: score,
			Box: Box{
				int(float64(b[0]) * h),
				int(float64(b[1]) * w),
				int(float64(b[2]) * h),
				int(float64(b[3]) * w),
			},
			ImageSize: [2]int{height, width},
			Class:     d.className(classID),
			ClassID:   classID,
		})
	}
	return detections
}

func (d *Detector) className(id int) string {
	if name, ok := d.index.Name(id); ok {
		return name
	}
	d.logger.Warn("class id not in category index", zap.Int("class_id", id))
	return fmt.Sprintf("unknown_%d", id)
}

func (d *Detector) recordRun(elapsed time.Duration, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.record(elapsed, err)
}

// Busy reports whether a forward pass is in progress.
func (d *Detector) Busy() bool {
	return d.State() == Running
}

// State returns the current lifecycle state.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Close waits for an in-flight Predict, then releases the session. Later
// calls to Predict fail with ErrClosed. Closing twice is a no-op.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == Closed {
		return nil
	}
	d.state.Store(int32(Closed))

	runner := d.runner
	d.runner = nil
	if err := runner.Close(); err != nil {
		d.logger.Error("failed to close session", zap.Error(err))
		return errors.Wrap(err, "close session")
	}
	d.logger.Info("detector closed")
	return nil
}

// Stats returns a snapshot of the forward pass counters.
func (d *Detector) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Threshold returns the inclusive minimum score.
func (d *Detector) Threshold() float32 {
	return d.threshold
}

// Categories returns the known categories sorted by id.
func (d *Detector) Categories() []labels.Category {
	return d.index.Categories()
}

// ID returns the identifier attached to this detector's logs.
func (d *Detector) ID() string {
	return d.id
}
