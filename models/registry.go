// Package models - registry for classification models.
package models

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/models/model"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
)

// Definition supplies the defaults of a named model.
type Definition struct {
	// Model is the default model configuration.
	Model model.Config
	// Preprocess is the input layout the model expects.
	Preprocess func() *preprocess.ModelConfig
}

// Model is a resolved, validated classification model.
type Model struct {
	Config     model.Config
	Preprocess *preprocess.ModelConfig
	Labels     *Labels
}

var (
	registryMu sync.RWMutex
	registry   = map[model.Name]Definition{
		model.ModelNameOptimizedGraph: {
			Model:      model.DefaultConfig(),
			Preprocess: preprocess.ClassifierConfig,
		},
		model.ModelNameMobileNetV2: {
			Model: model.Config{
				Name:        model.ModelNameMobileNetV2,
				Path:        "mobilenetv2-12.onnx",
				LabelsPath:  "synset.txt",
				Backend:     model.BackendONNX,
				Inputs:      []string{"input"},
				Outputs:     []string{"output"},
				InputShape:  []int64{1, 3, 224, 224},
				OutputShape: []int64{1, 1000},
				Threads:     2,
				Softmax:     true,
			},
			Preprocess: preprocess.MobileNetV2Config,
		},
	}
)

// Register adds or replaces a named model definition.
func Register(name model.Name, def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = def
}

// Lookup returns the definition registered under name.
func Lookup(name model.Name) (Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[name]
	return def, ok
}

// Names returns the registered model names, sorted.
func Names() []model.Name {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]model.Name, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// NewModel resolves a model from its configuration.
//
// Unset fields are filled from the registered definition of args.Name. The
// backend is inferred from the file extension when not given. The model
// file must exist and the tensor shapes must agree with the preprocessing
// layout.
//
// Arguments:
//   - args: The model configuration, typically from the config file.
//
// Returns:
//   - *Model: The resolved model with its labels loaded.
//   - error: model.ErrModelNotFound if the model file is missing,
//     model.ErrTensorShape if the shapes are inconsistent, or a label error.
//
// Example:
//
// ```go
//
//	m, err := models.NewModel(model.Config{
//	    Name: model.ModelNameOptimizedGraph,
//	    Path: "/models/optimized_graph.tflite",
//	})
//	if errors.Is(err, model.ErrModelNotFound) {
//	    log.Fatal("model missing")
//	}
//
// ```
func NewModel(args model.Config) (*Model, error) {
	if args.Name == "" {
		args.Name = model.ModelNameOptimizedGraph
	}
	def, ok := Lookup(args.Name)
	if !ok {
		return nil, errors.Errorf("unsupported model name: %s", args.Name)
	}
	cfg := merge(def.Model, args)

	if cfg.Backend == "" {
		backend, err := model.BackendFromPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		cfg.Backend = backend
	}

	info, err := os.Stat(cfg.Path)
	if err != nil || info.IsDir() {
		return nil, errors.Wrapf(model.ErrModelNotFound, "%s", cfg.Path)
	}

	pre := def.Preprocess()
	if err := checkShapes(&cfg, pre); err != nil {
		return nil, err
	}

	m := &Model{Config: cfg, Preprocess: pre}
	if cfg.LabelsPath != "" {
		labels, err := LoadLabels(cfg.LabelsPath)
		if err != nil {
			return nil, err
		}
		if labels.Len() < cfg.OutputSize() {
			return nil, errors.Errorf("%d labels for %d outputs", labels.Len(), cfg.OutputSize())
		}
		m.Labels = labels
	}
	return m, nil
}

func merge(base, override model.Config) model.Config {
	out := base
	out.Name = override.Name
	if override.Path != "" {
		out.Path = override.Path
		if override.Backend == "" {
			out.Backend = ""
		}
	}
	if override.LabelsPath != "" {
		out.LabelsPath = override.LabelsPath
	}
	if override.Backend != "" {
		out.Backend = override.Backend
	}
	if len(override.Inputs) > 0 {
		out.Inputs = override.Inputs
	}
	if len(override.Outputs) > 0 {
		out.Outputs = override.Outputs
	}
	if len(override.InputShape) > 0 {
		out.InputShape = override.InputShape
	}
	if len(override.OutputShape) > 0 {
		out.OutputShape = override.OutputShape
	}
	if override.Threads > 0 {
		out.Threads = override.Threads
	}
	out.Softmax = out.Softmax || override.Softmax
	return out
}

func checkShapes(cfg *model.Config, pre *preprocess.ModelConfig) error {
	if err := cfg.ValidateShapes(); err != nil {
		return err
	}
	want := pre.InputWidth * pre.InputHeight * pre.InputChannels
	if cfg.InputSize() != want {
		return errors.Wrapf(model.ErrTensorShape, "input %v holds %d values, preprocessing produces %d",
			cfg.InputShape, cfg.InputSize(), want)
	}
	return nil
}
