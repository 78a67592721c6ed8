package providers

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

// LibraryPathEnv overrides the location of the ONNX Runtime shared library.
const LibraryPathEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetSharedLibPath returns the path to the shared library for the current platform.
//
// Arguments:
//   - override: An explicit path; used when not empty.
//
// Returns:
//   - string: The path to the shared library.
//   - error: An error if the platform has no known library name.
func GetSharedLibPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(LibraryPathEnv); env != "" {
		return env, nil
	}

	dir := "third_party"
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(dir, "onnxruntime.dll"), nil
	case "darwin":
		return filepath.Join(dir, "libonnxruntime.dylib"), nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return filepath.Join(dir, "onnxruntime_arm64.so"), nil
		}
		return filepath.Join(dir, "onnxruntime.so"), nil
	}
	return "", errors.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
}
