package providers

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model"
)

func init() {
	inference.RegisterBackend(model.BackendONNX, func(cfg model.Config, opts inference.EngineOptions) (inference.Engine, error) {
		return NewONNXEngine(cfg, opts)
	})
}

var envMu sync.Mutex

// initEnvironment loads the native runtime once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	return nil
}

// ONNXEngine runs a model through ONNX Runtime with preallocated tensors.
type ONNXEngine struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXEngine creates an ONNX Runtime session for the model.
//
// Order of operations:
//  1. Environment setup: loads the native library once per process.
//  2. Tensor allocation: fixed-shape input and output buffers.
//  3. Session options: threads and execution provider.
//  4. Session creation: loads the model and binds the buffers.
//
// Arguments:
//   - cfg: The resolved model configuration.
//   - opts: The runtime options.
//
// Returns:
//   - *ONNXEngine: The engine.
//   - error: model.ErrModelNotFound, model.ErrTensorShape or a runtime error.
func NewONNXEngine(cfg model.Config, opts inference.EngineOptions) (*ONNXEngine, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, errors.Wrapf(model.ErrModelNotFound, "%s", cfg.Path)
	}
	if err := cfg.ValidateShapes(); err != nil {
		return nil, err
	}
	if len(cfg.Inputs) != 1 || len(cfg.Outputs) != 1 {
		return nil, errors.Wrapf(model.ErrTensorShape, "need one input and one output name, have %v and %v",
			cfg.Inputs, cfg.Outputs)
	}
	provider, err := ParseExecutionProvider(opts.Provider)
	if err != nil {
		return nil, err
	}
	libPath, err := GetSharedLibPath(opts.LibraryPath)
	if err != nil {
		return nil, err
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		return nil, errors.Wrapf(model.ErrTensorShape, "input tensor %v: %v", cfg.InputShape, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrapf(model.ErrTensorShape, "output tensor %v: %v", cfg.OutputShape, err)
	}

	options, err := newSessionOptions(opts.Threads, provider)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		cfg.Path,
		cfg.Inputs,
		cfg.Outputs,
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(model.ErrTensorShape, "error creating ORT session: %v", err)
	}

	logging.Info("onnx engine ready",
		"model", cfg.Name,
		"provider", provider,
		"input", cfg.InputShape,
		"output", cfg.OutputShape,
	)
	return &ONNXEngine{session: session, input: input, output: output}, nil
}

// Run copies input into the bound tensor, runs the session and returns a
// copy of the output.
func (e *ONNXEngine) Run(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("engine is closed")
	}

	dst := e.input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Wrapf(model.ErrTensorShape, "input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "onnx run")
	}
	out := make([]float32, len(e.output.GetData()))
	copy(out, e.output.GetData())
	return out, nil
}

// Close releases the session and its tensors.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		if err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
	}
	return nil
}
