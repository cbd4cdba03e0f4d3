package detector

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/inference"
)

const (
	// DefaultNumClasses is the class count of the COCO-trained graphs.
	DefaultNumClasses = 90
	// DefaultThreshold is the minimum score a detection needs to be reported.
	DefaultThreshold float32 = 0.6
)

var (
	// ErrClosed is returned by Predict once the detector has been closed.
	ErrClosed = errors.New("detector is closed")
	// ErrLoadGraph is the cause of construction errors from the graph or runtime.
	ErrLoadGraph = errors.New("failed to load graph")
	// ErrLoadLabels is the cause of construction errors from the label map.
	ErrLoadLabels = errors.New("failed to load labels")
	// ErrInvalidConfig is the cause of construction errors from bad settings.
	ErrInvalidConfig = errors.New("invalid detector config")
)

// constructionError ties a construction sentinel to the error that caused it.
// errors.Cause returns the sentinel; errors.Is and errors.As also reach the
// underlying error.
type constructionError struct {
	kind  error
	cause error
}

func loadError(kind, cause error) error {
	return &constructionError{kind: kind, cause: cause}
}

func (e *constructionError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

// Cause returns the sentinel for errors.Cause.
func (e *constructionError) Cause() error { return e.kind }

func (e *constructionError) Unwrap() []error { return []error{e.kind, e.cause} }

// Config describes how to build a Detector.
type Config struct {
	// GraphPath is the ONNX export of the frozen detection graph.
	GraphPath string `json:"graph_path" yaml:"graph_path"`

	// LabelsPath is a StringIntLabelMap in protobuf text format. Empty means
	// category_1..category_N names.
	LabelsPath string `json:"labels_path" yaml:"labels_path"`

	// NumClasses bounds the label ids kept from the label map.
	NumClasses int `json:"num_classes" yaml:"num_classes"`

	// Threshold is the inclusive minimum score, in [0, 1].
	Threshold float32 `json:"threshold" yaml:"threshold"`

	// Runtime configures the ONNX Runtime environment and session.
	Runtime inference.Options `json:"runtime" yaml:"runtime"`

	// Logger receives construction and prediction logs. Nil disables logging.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns a config with the default class count and threshold.
func DefaultConfig() Config {
	return Config{
		NumClasses: DefaultNumClasses,
		Threshold:  DefaultThreshold,
		Runtime:    inference.DefaultOptions(),
	}
}

// Validate checks the settings that do not need the filesystem.
func (c Config) Validate() error {
	if err := c.validateScoring(); err != nil {
		return err
	}
	if c.GraphPath == "" {
		return errors.Wrap(ErrInvalidConfig, "graph path is required")
	}
	if err := c.Runtime.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "runtime: %v", err)
	}
	return nil
}

func (c Config) validateScoring() error {
	if math32.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "threshold must be in [0, 1], got %v", c.Threshold)
	}
	if c.NumClasses < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num classes must be positive, got %d", c.NumClasses)
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
