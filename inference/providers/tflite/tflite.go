// Package tflite runs TensorFlow Lite models. Importing it registers the
// tflite backend with the inference package.
package tflite

import (
	"context"
	"os"
	"sync"

	"github.com/mattn/go-tflite"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model"
)

func init() {
	inference.RegisterBackend(model.BackendTFLite, func(cfg model.Config, opts inference.EngineOptions) (inference.Engine, error) {
		return NewEngine(cfg, opts)
	})
}

// Engine runs a model through a TensorFlow Lite interpreter.
type Engine struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
}

// NewEngine loads the model and allocates its tensors.
//
// Arguments:
//   - cfg: The resolved model configuration.
//   - opts: The runtime options; only Threads applies.
//
// Returns:
//   - *Engine: The engine.
//   - error: model.ErrModelNotFound when the file is missing or unreadable,
//     model.ErrTensorShape when the tensors do not match cfg.
func NewEngine(cfg model.Config, opts inference.EngineOptions) (*Engine, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, errors.Wrapf(model.ErrModelNotFound, "%s", cfg.Path)
	}
	if err := cfg.ValidateShapes(); err != nil {
		return nil, err
	}

	m := tflite.NewModelFromFile(cfg.Path)
	if m == nil {
		return nil, errors.Wrapf(model.ErrModelNotFound, "cannot load %s", cfg.Path)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if opts.Threads > 0 {
		options.SetNumThread(opts.Threads)
	}

	interpreter := tflite.NewInterpreter(m, options)
	if interpreter == nil {
		m.Delete()
		return nil, errors.New("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		m.Delete()
		return nil, errors.Wrapf(model.ErrTensorShape, "allocate tensors: status %v", status)
	}

	e := &Engine{model: m, interpreter: interpreter}
	if err := e.checkShapes(cfg); err != nil {
		e.Close()
		return nil, err
	}

	logging.Info("tflite engine ready",
		"model", cfg.Name,
		"threads", opts.Threads,
		"input", tensorShape(interpreter.GetInputTensor(0)),
		"output", tensorShape(interpreter.GetOutputTensor(0)),
	)
	return e, nil
}

func (e *Engine) checkShapes(cfg model.Config) error {
	if e.interpreter.GetInputTensorCount() < 1 || e.interpreter.GetOutputTensorCount() < 1 {
		return errors.Wrap(model.ErrTensorShape, "model has no input or output tensor")
	}
	in := tensorShape(e.interpreter.GetInputTensor(0))
	if elements(in) != cfg.InputSize() {
		return errors.Wrapf(model.ErrTensorShape, "input %v, configured %v", in, cfg.InputShape)
	}
	out := tensorShape(e.interpreter.GetOutputTensor(0))
	if elements(out) != cfg.OutputSize() {
		return errors.Wrapf(model.ErrTensorShape, "output %v, configured %v", out, cfg.OutputShape)
	}
	return nil
}

// Run fills the first input tensor, invokes the interpreter and returns the
// first output as float32 values. Quantized tensors are converted with
// their quantization parameters.
func (e *Engine) Run(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interpreter == nil {
		return nil, errors.New("engine is closed")
	}

	in := e.interpreter.GetInputTensor(0)
	switch in.Type() {
	case tflite.Float32:
		dst := in.Float32s()
		if len(dst) != len(input) {
			return nil, errors.Wrapf(model.ErrTensorShape, "input has %d values, model expects %d", len(input), len(dst))
		}
		copy(dst, input)
	case tflite.UInt8:
		dst := in.UInt8s()
		if len(dst) != len(input) {
			return nil, errors.Wrapf(model.ErrTensorShape, "input has %d values, model expects %d", len(input), len(dst))
		}
		q := in.QuantizationParams()
		Quantize(dst, input, q.Scale, q.ZeroPoint)
	default:
		return nil, errors.Wrapf(model.ErrTensorShape, "unsupported input type %v", in.Type())
	}

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Errorf("invoke failed: status %v", status)
	}

	out := e.interpreter.GetOutputTensor(0)
	switch out.Type() {
	case tflite.Float32:
		src := out.Float32s()
		res := make([]float32, len(src))
		copy(res, src)
		return res, nil
	case tflite.UInt8:
		q := out.QuantizationParams()
		return Dequantize(out.UInt8s(), q.Scale, q.ZeroPoint), nil
	}
	return nil, errors.Errorf("unsupported output type %v", out.Type())
}

// Close deletes the interpreter and model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interpreter != nil {
		e.interpreter.Delete()
		e.interpreter = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	return nil
}

func tensorShape(t *tflite.Tensor) []int {
	shape := make([]int, 0, t.NumDims())
	for i := 0; i < t.NumDims(); i++ {
		shape = append(shape, t.Dim(i))
	}
	return shape
}

func elements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
