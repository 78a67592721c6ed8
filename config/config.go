// Package config loads the classifier configuration from a YAML file, a
// .env file and CLASSIFY_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-classify/capture"
	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
	"github.com/nvr-ai/go-classify/profiler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLASSIFY_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// SourceType selects the capture source.
type SourceType string

const (
	// SourceCamera reads from a gocv capture device, file or URL.
	SourceCamera SourceType = "camera"
	// SourceDirectory replays frame-N images from a directory.
	SourceDirectory SourceType = "directory"
	// SourcePattern generates synthetic frames.
	SourcePattern SourceType = "pattern"
)

// CaptureConfig configures the frame source and session.
type CaptureConfig struct {
	Source  SourceType             `json:"source" yaml:"source"`
	Device  string                 `json:"device" yaml:"device"`
	Dir     string                 `json:"dir" yaml:"dir"`
	Loop    bool                   `json:"loop" yaml:"loop"`
	Width   int                    `json:"width" yaml:"width"`
	Height  int                    `json:"height" yaml:"height"`
	Count   int                    `json:"count" yaml:"count"`
	Session capture.SessionOptions `json:"session" yaml:"session"`
}

// PreprocessConfig configures the frame preprocessor.
type PreprocessConfig struct {
	// Sampling is "transposed" or "row-major". Empty keeps the order the
	// model definition registers.
	Sampling string `json:"sampling" yaml:"sampling"`
	// FitWindow resizes and crops frames that do not cover the model input.
	FitWindow     bool                 `json:"fit_window" yaml:"fit_window"`
	Interpolation images.Interpolation `json:"interpolation" yaml:"interpolation"`
}

// ServerConfig configures the label display server.
type ServerConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	StaticDir string `json:"static_dir" yaml:"static_dir"`
	// MaxUploadMB bounds POST /api/classify bodies.
	MaxUploadMB int `json:"max_upload_mb" yaml:"max_upload_mb"`
	// MaxUploadMegapixels bounds the decoded size of uploaded images.
	MaxUploadMegapixels int `json:"max_upload_megapixels" yaml:"max_upload_megapixels"`
}

// Config is the complete application configuration.
type Config struct {
	// Model overrides the registered definition named by Model.Name.
	Model      model.Config                `json:"model" yaml:"model"`
	Engine     inference.EngineOptions     `json:"engine" yaml:"engine"`
	Classifier inference.ClassifierOptions `json:"classifier" yaml:"classifier"`
	Preprocess PreprocessConfig            `json:"preprocess" yaml:"preprocess"`
	Capture    CaptureConfig               `json:"capture" yaml:"capture"`
	Server     ServerConfig                `json:"server" yaml:"server"`
	Logging    logging.Options             `json:"logging" yaml:"logging"`
	Journal    logging.JournalConfig       `json:"journal" yaml:"journal"`
	Profiler   profiler.ProfilingOptions   `json:"profiler" yaml:"profiler"`
	// TopK is the number of classifications published per frame.
	TopK int `json:"top_k" yaml:"top_k"`
	// HysteresisFrames delays label switches until a new class wins this
	// many consecutive frames.
	HysteresisFrames int `json:"hysteresis_frames" yaml:"hysteresis_frames"`
	// ChangeThreshold skips frames that barely differ from the last one.
	ChangeThreshold float64 `json:"change_threshold" yaml:"change_threshold"`
}

// NewSource creates the capture source selected by the configuration.
func (c CaptureConfig) NewSource() (capture.Source, error) {
	switch c.Source {
	case SourceCamera:
		return capture.NewCameraSource(c.Device, c.Width, c.Height), nil
	case SourceDirectory:
		return capture.NewDirectorySource(c.Dir, c.Loop), nil
	case SourcePattern:
		return capture.NewPatternSource(c.Width, c.Height, c.Count), nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown capture source %q", c.Source)
}

// ModelConfig returns a copy of a model's input layout with the configured
// sampling order applied.
//
// Arguments:
//   - base: The layout registered for the model.
//
// Returns:
//   - *preprocess.ModelConfig: The layout to build the preprocessor from.
//   - error: ErrInvalidConfig if the sampling order is unknown.
func (p PreprocessConfig) ModelConfig(base *preprocess.ModelConfig) (*preprocess.ModelConfig, error) {
	if base == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "model has no input layout")
	}
	out := *base
	if p.Sampling == "" {
		return &out, nil
	}
	order, err := preprocess.ParseSamplingOrder(p.Sampling)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	out.Sampling = order
	return &out, nil
}

// DefaultConfig returns the configuration of the bundled retrained classifier
// reading camera 0.
func DefaultConfig() Config {
	return Config{
		// Only the name is set; the model registry supplies the rest.
		Model: model.Config{Name: model.ModelNameOptimizedGraph},
		Classifier: inference.ClassifierOptions{
			MaxInFlight: 1,
			Timeout:     2 * time.Second,
		},
		Preprocess: PreprocessConfig{
			Interpolation: images.InterpolationBilinear,
		},
		Capture: CaptureConfig{
			Source: SourceCamera,
			Device: "0",
			Width:  640,
			Height: 480,
			Count:  0,
			Session: capture.SessionOptions{
				Buffer:        1,
				MaxReadErrors: 30,
			},
		},
		Server: ServerConfig{
			Addr:                ":8080",
			MaxUploadMB:         8,
			MaxUploadMegapixels: 16,
		},
		Logging: logging.Options{Level: "info"},
		Journal: logging.JournalConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		TopK: 1,
	}
}

// Load builds a configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
//
// Arguments:
//   - path: The YAML file, or "" to skip it.
//   - envFiles: .env files to load; missing files are ignored.
//
// Returns:
//   - Config: The merged configuration.
//   - error: An error if the file cannot be parsed or the result is invalid.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return cfg, errors.Wrapf(err, "load env file %s", f)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from CLASSIFY_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s%s=%q", EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s%s=%q", EnvPrefix, key, v)
		}
		*dst = d
		return nil
	}

	var name, backend, source, interp string
	name = string(c.Model.Name)
	str("MODEL_NAME", &name)
	c.Model.Name = model.Name(name)
	str("MODEL_PATH", &c.Model.Path)
	str("LABELS_PATH", &c.Model.LabelsPath)
	backend = string(c.Model.Backend)
	str("MODEL_BACKEND", &backend)
	c.Model.Backend = model.Backend(backend)
	str("ONNX_PROVIDER", &c.Engine.Provider)
	str("ONNX_LIBRARY_PATH", &c.Engine.LibraryPath)
	str("SAMPLING", &c.Preprocess.Sampling)
	interp = string(c.Preprocess.Interpolation)
	str("INTERPOLATION", &interp)
	c.Preprocess.Interpolation = images.Interpolation(interp)
	source = string(c.Capture.Source)
	str("SOURCE", &source)
	c.Capture.Source = SourceType(source)
	str("DEVICE", &c.Capture.Device)
	str("DIR", &c.Capture.Dir)
	str("ADDR", &c.Server.Addr)
	str("STATIC_DIR", &c.Server.StaticDir)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("JOURNAL_PATH", &c.Journal.Path)

	if v, ok := lookup(EnvPrefix + "FIT_WINDOW"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sFIT_WINDOW=%q", EnvPrefix, v)
		}
		c.Preprocess.FitWindow = b
	}

	for _, f := range []func() error{
		func() error { return num("THREADS", &c.Model.Threads) },
		func() error { return num("WIDTH", &c.Capture.Width) },
		func() error { return num("HEIGHT", &c.Capture.Height) },
		func() error { return num("MAX_IN_FLIGHT", &c.Classifier.MaxInFlight) },
		func() error { return num("SKIP_FRAMES", &c.Capture.Session.SkipFrames) },
		func() error { return num("TOP_K", &c.TopK) },
		func() error { return num("HYSTERESIS_FRAMES", &c.HysteresisFrames) },
		func() error { return dur("INTERVAL", &c.Capture.Session.Interval) },
		func() error { return dur("TIMEOUT", &c.Classifier.Timeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return errors.Wrap(ErrInvalidConfig, "model name is required")
	}
	switch c.Model.Backend {
	case "", model.BackendTFLite, model.BackendONNX:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown model backend %q", c.Model.Backend)
	}
	if _, err := preprocess.ParseSamplingOrder(c.Preprocess.Sampling); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	switch c.Preprocess.Interpolation {
	case "", images.InterpolationNearest, images.InterpolationBilinear, images.InterpolationLanczos:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown interpolation %q", c.Preprocess.Interpolation)
	}

	switch c.Capture.Source {
	case SourceCamera:
		if c.Capture.Device == "" {
			return errors.Wrap(ErrInvalidConfig, "camera source needs a device")
		}
	case SourceDirectory:
		if c.Capture.Dir == "" {
			return errors.Wrap(ErrInvalidConfig, "directory source needs a dir")
		}
	case SourcePattern:
		if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
			return errors.Wrap(ErrInvalidConfig, "pattern source needs a positive size")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown capture source %q", c.Capture.Source)
	}

	if c.Capture.Width < 0 || c.Capture.Height < 0 {
		return errors.Wrap(ErrInvalidConfig, "capture size must not be negative")
	}
	if c.Capture.Session.SkipFrames < 0 || c.Capture.Session.Interval < 0 {
		return errors.Wrap(ErrInvalidConfig, "skip frames and interval must not be negative")
	}
	if c.Classifier.MaxInFlight < 0 || c.Classifier.Timeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "classifier limits must not be negative")
	}
	if c.HysteresisFrames < 0 {
		return errors.Wrap(ErrInvalidConfig, "hysteresis_frames must not be negative")
	}
	if c.ChangeThreshold < 0 || c.ChangeThreshold > 1 {
		return errors.Wrap(ErrInvalidConfig, "change_threshold must be within [0,1]")
	}
	if c.TopK < 1 {
		return errors.Wrap(ErrInvalidConfig, "top_k must be at least 1")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max_upload_mb must be positive")
	}
	if c.Server.MaxUploadMegapixels <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max_upload_megapixels must be positive")
	}
	return nil
}
