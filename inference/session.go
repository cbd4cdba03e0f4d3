// Package inference - The ONNX Runtime boundary for frozen detection graphs.
//
// The graph is an ONNX export of a TensorFlow object detection graph that keeps
// the original tensor names: one uint8 NHWC image input and four float32 outputs.
package inference

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Tensor names bound by every session.
const (
	ImageTensor         = "image_tensor:0"
	BoxesTensor         = "detection_boxes:0"
	ScoresTensor        = "detection_scores:0"
	ClassesTensor       = "detection_classes:0"
	NumDetectionsTensor = "num_detections:0"
)

// OutputNames lists the output tensors in the order Run requests them.
var OutputNames = []string{BoxesTensor, ScoresTensor, ClassesTensor, NumDetectionsTensor}

// ErrMalformedOutput is returned when the graph outputs disagree with each other.
var ErrMalformedOutput = errors.New("malformed detection output")

// Runner executes one forward pass of a detection graph.
type Runner interface {
	Run(in Input) (*Output, error)
	Close() error
}

// Input is a single image batch of one, NHWC, channels in blue-green-red order.
type Input struct {
	Height int
	Width  int
	Pixels []uint8
}

// Output holds the first batch entry of the four graph outputs.
//
// Boxes holds NumDetections rows of normalized (ymin, xmin, ymax, xmax);
// Scores and Classes hold one value per row.
type Output struct {
	Boxes         []float32
	Scores        []float32
	Classes       []float32
	NumDetections int
}

// NewOutput checks the raw output slices against each other and returns the
// first batch entry trimmed to the reported detection count.
func NewOutput(boxes, scores, classes []float32, numDetections float32) (*Output, error) {
	if math32.IsNaN(numDetections) || math32.IsInf(numDetections, 0) || numDetections < 0 {
		return nil, errors.Wrapf(ErrMalformedOutput, "invalid detection count %v", numDetections)
	}
	// Compare as float so huge counts never reach the int conversion.
	if numDetections > float32(len(scores)) {
		return nil, errors.Wrapf(ErrMalformedOutput,
			"%v detections but %d scores", numDetections, len(scores))
	}
	n := int(numDetections)
	if len(scores) < n || len(classes) < n || len(boxes) < 4*n {
		return nil, errors.Wrapf(ErrMalformedOutput,
			"%d detections but %d boxes, %d scores, %d classes",
			n, len(boxes)/4, len(scores), len(classes))
	}
	return &Output{
		Boxes:         boxes[:4*n],
		Scores:        scores[:n],
		Classes:       classes[:n],
		NumDetections: n,
	}, nil
}

// Session is a Runner over an ONNX Runtime session bound to the detection
// tensor names.
type Session struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewSession opens graphPath with CPU-only session options. The environment
// must already be initialized with InitEnvironment.
//
// Arguments:
//   - graphPath: The ONNX graph file.
//   - opts: Thread and optimization settings.
//
// Returns:
//   - *Session: The open session.
//   - error: An error if the graph cannot be loaded or lacks the expected tensors.
func NewSession(graphPath string, opts Options) (*Session, error) {
	if err := VerifyGraph(graphPath); err != nil {
		return nil, err
	}

	options, err := SessionOptions(opts)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		graphPath,
		[]string{ImageTensor},
		OutputNames,
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating session for %s", graphPath)
	}

	return &Session{session: session}, nil
}

// Run executes one forward pass. Output tensors are allocated by the runtime
// and released before Run returns; the returned slices are copies.
func (s *Session) Run(in Input) (*Output, error) {
	if len(in.Pixels) != in.Height*in.Width*3 || in.Height <= 0 || in.Width <= 0 {
		return nil, errors.Errorf("input has %d bytes for %dx%d", len(in.Pixels), in.Width, in.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(in.Height), int64(in.Width), 3), in.Pixels)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(OutputNames))
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "error running session")
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	data := make([][]float32, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Wrapf(ErrMalformedOutput, "%s is %T, want float32 tensor", OutputNames[i], o)
		}
		data[i] = append([]float32(nil), t.GetData()...)
	}

	if len(data[3]) == 0 {
		return nil, errors.Wrapf(ErrMalformedOutput, "%s is empty", NumDetectionsTensor)
	}
	return NewOutput(data[0], data[1], data[2], data[3][0])
}

// Close destroys the native session. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return errors.Wrap(err, "error destroying session")
	}
	return nil
}
