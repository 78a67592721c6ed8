// Package model - Definitions for classification model resources.
package model

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrModelNotFound is returned when the model resource cannot be located.
	ErrModelNotFound = errors.New("model resource not found")
	// ErrTensorShape is returned when tensor shapes cannot be configured.
	ErrTensorShape = errors.New("invalid tensor shape")
)

// Backend is the inference runtime used to execute a model.
type Backend string

const (
	// BackendTFLite runs .tflite flatbuffers through TensorFlow Lite.
	BackendTFLite Backend = "tflite"
	// BackendONNX runs .onnx graphs through ONNX Runtime.
	BackendONNX Backend = "onnx"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameOptimizedGraph is the retrained five-class flower classifier.
	ModelNameOptimizedGraph Name = "optimized_graph"
	// ModelNameMobileNetV2 is the ImageNet MobileNetV2 classifier.
	ModelNameMobileNetV2 Name = "mobilenetv2"
)

// Config locates a model and describes its tensors.
type Config struct {
	Name        Name     `json:"name" yaml:"name"`
	Path        string   `json:"path" yaml:"path"`
	LabelsPath  string   `json:"labels_path" yaml:"labels_path"`
	Backend     Backend  `json:"backend" yaml:"backend"`
	Inputs      []string `json:"inputs" yaml:"inputs"`
	Outputs     []string `json:"outputs" yaml:"outputs"`
	InputShape  []int64  `json:"input_shape" yaml:"input_shape"`
	OutputShape []int64  `json:"output_shape" yaml:"output_shape"`
	Threads     int      `json:"threads" yaml:"threads"`
	// Softmax applies a softmax to the outputs, for models that emit logits.
	Softmax bool `json:"softmax" yaml:"softmax"`
}

// BackendFromPath infers the backend from the model file extension.
func BackendFromPath(path string) (Backend, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tflite":
		return BackendTFLite, nil
	case ".onnx":
		return BackendONNX, nil
	}
	return "", errors.Errorf("cannot infer backend from %q", path)
}

// Elements returns the number of values described by shape.
func Elements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, errors.Wrap(ErrTensorShape, "shape is empty")
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, errors.Wrapf(ErrTensorShape, "dimension %d in %v", d, shape)
		}
		n *= d
	}
	return n, nil
}

// InputSize returns the number of input values.
func (c *Config) InputSize() int {
	n, _ := Elements(c.InputShape)
	return int(n)
}

// OutputSize returns the number of output values.
func (c *Config) OutputSize() int {
	n, _ := Elements(c.OutputShape)
	return int(n)
}

// ValidateShapes checks the tensor shapes.
func (c *Config) ValidateShapes() error {
	if _, err := Elements(c.InputShape); err != nil {
		return errors.Wrap(err, "input")
	}
	if _, err := Elements(c.OutputShape); err != nil {
		return errors.Wrap(err, "output")
	}
	return nil
}

// DefaultConfig returns the flower classifier: a TFLite graph taking
// [1, 224, 224, 3] float32 input and producing [1, 5] probabilities.
func DefaultConfig() Config {
	return Config{
		Name:        ModelNameOptimizedGraph,
		Path:        "optimized_graph.tflite",
		LabelsPath:  "retrained_labels.txt",
		Backend:     BackendTFLite,
		Inputs:      []string{"input"},
		Outputs:     []string{"final_result"},
		InputShape:  []int64{1, 224, 224, 3},
		OutputShape: []int64{1, 5},
		Threads:     2,
	}
}
