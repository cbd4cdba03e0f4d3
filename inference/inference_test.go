package inference

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestNewOutput(t *testing.T) {
	boxes := []float32{0.1, 0.2, 0.5, 0.6, 0, 0, 1, 1, 0, 0, 0, 0}
	scores := []float32{0.9, 0.7, 0}
	classes := []float32{1, 3, 0}

	out, err := NewOutput(boxes, scores, classes, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumDetections)
	assert.Len(t, out.Boxes, 8)
	assert.Equal(t, []float32{0.9, 0.7}, out.Scores)
	assert.Equal(t, []float32{1, 3}, out.Classes)
}

func TestNewOutputMalformed(t *testing.T) {
	tests := []struct {
		name    string
		boxes   []float32
		scores  []float32
		classes []float32
		num     float32
	}{
		{name: "negative count", num: -1},
		{name: "nan count", boxes: []float32{0, 0, 1, 1}, scores: []float32{0.9}, classes: []float32{1}, num: float32(math.NaN())},
		{name: "infinite count", boxes: []float32{0, 0, 1, 1}, scores: []float32{0.9}, classes: []float32{1}, num: float32(math.Inf(1))},
		{name: "negative infinite count", boxes: []float32{0, 0, 1, 1}, scores: []float32{0.9}, classes: []float32{1}, num: float32(math.Inf(-1))},
		{name: "huge count", boxes: []float32{0, 0, 1, 1}, scores: []float32{0.9}, classes: []float32{1}, num: 1e30},
		{name: "too few scores", boxes: make([]float32, 8), scores: []float32{1}, classes: []float32{1, 1}, num: 2},
		{name: "too few boxes", boxes: make([]float32, 4), scores: []float32{1, 1}, classes: []float32{1, 1}, num: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = NewOutput(tt.boxes, tt.scores, tt.classes, tt.num)
			})
			assert.Equal(t, ErrMalformedOutput, errors.Cause(err))
		})
	}
}

func TestCheckSignature(t *testing.T) {
	assert.NoError(t, checkSignature([]string{ImageTensor}, OutputNames))

	err := checkSignature([]string{"images"}, OutputNames)
	assert.Equal(t, ErrGraphSignature, errors.Cause(err))

	err = checkSignature([]string{ImageTensor}, []string{BoxesTensor, ScoresTensor})
	assert.Equal(t, ErrGraphSignature, errors.Cause(err))
}

func TestVerifyGraphMissingFile(t *testing.T) {
	assert.Error(t, VerifyGraph(""))
	assert.Error(t, VerifyGraph(filepath.Join(t.TempDir(), "missing.onnx")))
}

func TestOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	level, err := opts.optimizationLevel()
	require.NoError(t, err)
	assert.Equal(t, ort.GraphOptimizationLevelEnableExtended, level)

	opts.GraphOptimization = "ALL"
	level, err = opts.optimizationLevel()
	require.NoError(t, err)
	assert.Equal(t, ort.GraphOptimizationLevelEnableAll, level)

	assert.Error(t, Options{GraphOptimization: "aggressive"}.Validate())
	assert.Error(t, Options{IntraOpNumThreads: -1}.Validate())
	assert.Error(t, Options{InterOpNumThreads: -2}.Validate())
}

func TestLibraryPath(t *testing.T) {
	assert.Equal(t, "/opt/ort/libonnxruntime.so", Options{SharedLibraryPath: "/opt/ort/libonnxruntime.so"}.LibraryPath())

	t.Setenv(SharedLibraryEnv, "/usr/lib/libonnxruntime.so")
	assert.Equal(t, "/usr/lib/libonnxruntime.so", Options{}.LibraryPath())

	t.Setenv(SharedLibraryEnv, "")
	assert.NotEmpty(t, Options{}.LibraryPath())
}
