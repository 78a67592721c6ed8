package providers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/models/model"
)

func TestParseExecutionProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    ExecutionProvider
		wantErr bool
	}{
		{in: "", want: CPUExecutionProvider},
		{in: "CPU", want: CPUExecutionProvider},
		{in: "coreml", want: CoreMLExecutionProvider},
		{in: "cuda", want: CUDAExecutionProvider},
		{in: "openvino", want: OpenVINOExecutionProvider},
		{in: "tensorrt", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseExecutionProvider(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "provider %q", tt.in)
			continue
		}
		require.NoError(t, err, "provider %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestGetSharedLibPath(t *testing.T) {
	path, err := GetSharedLibPath("/opt/ort/libonnxruntime.so")
	require.NoError(t, err)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", path, "explicit path wins")

	t.Setenv(LibraryPathEnv, "/env/libonnxruntime.so")
	path, err = GetSharedLibPath("")
	require.NoError(t, err)
	assert.Equal(t, "/env/libonnxruntime.so", path)
}

func TestNewONNXEngineMissingModel(t *testing.T) {
	cfg := model.Config{
		Path:        filepath.Join(t.TempDir(), "absent.onnx"),
		InputShape:  []int64{1, 3, 224, 224},
		OutputShape: []int64{1, 1000},
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
	}
	_, err := NewONNXEngine(cfg, inference.EngineOptions{})
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestNewONNXEngineBadShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))

	_, err := NewONNXEngine(model.Config{Path: path, InputShape: []int64{1, 0}, OutputShape: []int64{1, 5}},
		inference.EngineOptions{})
	assert.ErrorIs(t, err, model.ErrTensorShape)

	_, err = NewONNXEngine(model.Config{
		Path:        path,
		InputShape:  []int64{1, 3},
		OutputShape: []int64{1, 5},
		Inputs:      []string{"a", "b"},
		Outputs:     []string{"out"},
	}, inference.EngineOptions{})
	assert.ErrorIs(t, err, model.ErrTensorShape, "multiple inputs are rejected")
}

func TestONNXBackendRegistered(t *testing.T) {
	assert.Contains(t, inference.Backends(), model.BackendONNX)
}

func TestClosedEngine(t *testing.T) {
	e := &ONNXEngine{}
	require.NoError(t, e.Close())
	_, err := e.Run(context.Background(), []float32{1})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, []float32{1})
	assert.ErrorIs(t, err, context.Canceled)
}
