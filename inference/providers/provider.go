// Package providers - ONNX Runtime execution providers and engine.
package providers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ExecutionProvider names an ONNX Runtime execution provider.
type ExecutionProvider string

const (
	// CPUExecutionProvider uses the default CPU kernels.
	CPUExecutionProvider ExecutionProvider = "cpu"
	// CoreMLExecutionProvider uses Apple CoreML for macOS/iOS acceleration.
	CoreMLExecutionProvider ExecutionProvider = "coreml"
	// CUDAExecutionProvider uses NVIDIA CUDA for GPU acceleration.
	CUDAExecutionProvider ExecutionProvider = "cuda"
	// OpenVINOExecutionProvider uses Intel OpenVINO.
	OpenVINOExecutionProvider ExecutionProvider = "openvino"
)

// ParseExecutionProvider parses a provider name, defaulting to cpu.
func ParseExecutionProvider(name string) (ExecutionProvider, error) {
	switch p := ExecutionProvider(strings.ToLower(name)); p {
	case "", CPUExecutionProvider:
		return CPUExecutionProvider, nil
	case CoreMLExecutionProvider, CUDAExecutionProvider, OpenVINOExecutionProvider:
		return p, nil
	}
	return "", errors.Errorf("unsupported execution provider %q", name)
}

// newSessionOptions creates session options for the given thread count and
// execution provider. The caller destroys the options.
func newSessionOptions(threads int, provider ExecutionProvider) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	// Intra-op threads parallelize single nodes, inter-op threads independent nodes.
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch provider {
	case CoreMLExecutionProvider:
		err = options.AppendExecutionProviderCoreML(0)
	case OpenVINOExecutionProvider:
		err = options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type":    "CPU",
			"num_of_threads": fmt.Sprintf("%d", threads),
		})
	case CUDAExecutionProvider:
		err = appendCUDA(options)
	}
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error enabling %s: %w", provider, err)
	}
	return options, nil
}

func appendCUDA(options *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cuda)
}
