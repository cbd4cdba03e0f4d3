package inference

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibraryEnv names the environment variable consulted when no shared
// library path is configured.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Graph optimization levels accepted by Options.GraphOptimization.
const (
	OptimizationDisabled = "disabled"
	OptimizationBasic    = "basic"
	OptimizationExtended = "extended"
	OptimizationAll      = "all"
)

// Options configures the ONNX Runtime environment and the sessions opened on it.
type Options struct {
	// SharedLibraryPath is the onnxruntime shared library to load. Empty means
	// $ONNXRUNTIME_SHARED_LIBRARY_PATH, then the platform default.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`

	// IntraOpNumThreads bounds the threads used inside a single node. 0 lets
	// the runtime decide.
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`

	// InterOpNumThreads bounds the threads used across independent nodes. 0 lets
	// the runtime decide.
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`

	// GraphOptimization is one of disabled, basic, extended or all.
	GraphOptimization string `json:"graph_optimization" yaml:"graph_optimization"`
}

// DefaultOptions returns options that let the runtime pick thread counts and
// apply extended graph rewrites.
func DefaultOptions() Options {
	return Options{GraphOptimization: OptimizationExtended}
}

// Validate reports option values the runtime would reject.
func (o Options) Validate() error {
	if o.IntraOpNumThreads < 0 {
		return errors.Errorf("intra_op_num_threads must be >= 0, got %d", o.IntraOpNumThreads)
	}
	if o.InterOpNumThreads < 0 {
		return errors.Errorf("inter_op_num_threads must be >= 0, got %d", o.InterOpNumThreads)
	}
	if _, err := o.optimizationLevel(); err != nil {
		return err
	}
	return nil
}

func (o Options) optimizationLevel() (ort.GraphOptimizationLevel, error) {
	switch strings.ToLower(o.GraphOptimization) {
	case OptimizationDisabled:
		return ort.GraphOptimizationLevelDisableAll, nil
	case OptimizationBasic:
		return ort.GraphOptimizationLevelEnableBasic, nil
	case "", OptimizationExtended:
		return ort.GraphOptimizationLevelEnableExtended, nil
	case OptimizationAll:
		return ort.GraphOptimizationLevelEnableAll, nil
	}
	return 0, errors.Errorf("unknown graph optimization level %q", o.GraphOptimization)
}

// LibraryPath resolves the shared library path for these options.
func (o Options) LibraryPath() string {
	if o.SharedLibraryPath != "" {
		return o.SharedLibraryPath
	}
	if p := os.Getenv(SharedLibraryEnv); p != "" {
		return p
	}
	return defaultLibraryPath()
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "onnxruntime_arm64.so"
	}
	return "onnxruntime.so"
}

var envMu sync.Mutex

// InitEnvironment loads the onnxruntime shared library and prepares the
// process-wide environment. It is safe to call more than once; only the first
// successful call has an effect.
func InitEnvironment(opts Options) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	libPath := opts.LibraryPath()
	if strings.ContainsRune(libPath, os.PathSeparator) {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
		}
	}
	ort.SetSharedLibraryPath(libPath)

	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing onnxruntime environment")
	}
	return nil
}

// SessionOptions builds CPU-only session options. No execution provider is
// appended, so the runtime uses its default CPU allocator. The caller owns the
// returned options and must Destroy them.
func SessionOptions(opts Options) (*ort.SessionOptions, error) {
	level, err := opts.optimizationLevel()
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}

	if err := options.SetIntraOpNumThreads(opts.IntraOpNumThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(opts.InterOpNumThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(level); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}
	if err := options.SetExecutionMode(ort.ExecutionModeSequential); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting execution mode")
	}

	return options, nil
}
