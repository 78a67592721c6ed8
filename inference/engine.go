// Package inference - Inference engine interface and implementations.
package inference

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/models"
	"github.com/nvr-ai/go-classify/models/model"
)

// Engine runs a model on one flattened input tensor.
type Engine interface {
	// Run executes the model and returns a copy of its first output.
	Run(ctx context.Context, input []float32) ([]float32, error)
	// Close releases the native resources of the engine.
	Close() error
}

// EngineOptions tunes a runtime backend.
type EngineOptions struct {
	// Threads is the number of intra-op threads, 0 for the runtime default.
	Threads int `json:"threads" yaml:"threads"`
	// Provider selects an ONNX Runtime execution provider (cpu, coreml, cuda, openvino).
	Provider string `json:"provider" yaml:"provider"`
	// LibraryPath overrides the location of the ONNX Runtime shared library.
	LibraryPath string `json:"library_path" yaml:"library_path"`
}

// EngineFactory creates an engine for a resolved model.
type EngineFactory func(cfg model.Config, opts EngineOptions) (Engine, error)

var (
	backendsMu sync.RWMutex
	backends   = map[model.Backend]EngineFactory{}
)

// RegisterBackend makes a runtime available for a model backend. Runtime
// packages call it from init, so importing a provider package enables it.
func RegisterBackend(backend model.Backend, factory EngineFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("inference: RegisterBackend factory is nil")
	}
	backends[backend] = factory
}

// Backends returns the registered backends, sorted.
func Backends() []model.Backend {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]model.Backend, 0, len(backends))
	for b := range backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewEngine creates an engine with the runtime registered for cfg.Backend.
func NewEngine(cfg model.Config, opts EngineOptions) (Engine, error) {
	backendsMu.RLock()
	factory, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no runtime registered for backend %q", cfg.Backend)
	}
	if opts.Threads == 0 {
		opts.Threads = cfg.Threads
	}
	return factory(cfg, opts)
}

// EngineBuilder builds engines with a fluent API.
type EngineBuilder struct {
	model   *models.Model
	opts    EngineOptions
	factory EngineFactory
	err     error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{}
}

// WithModel resolves the model the engine will run.
//
// Arguments:
//   - args: The model arguments.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithModel(args model.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	m, err := models.NewModel(args)
	if err != nil {
		b.err = err
		return b
	}
	b.model = m
	return b
}

// WithResolvedModel sets an already resolved model.
func (b *EngineBuilder) WithResolvedModel(m *models.Model) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if m == nil {
		b.err = errors.New("model is nil")
		return b
	}
	b.model = m
	return b
}

// WithOptions sets the runtime options.
func (b *EngineBuilder) WithOptions(opts EngineOptions) *EngineBuilder {
	b.opts = opts
	return b
}

// WithThreads sets the number of runtime threads.
func (b *EngineBuilder) WithThreads(n int) *EngineBuilder {
	b.opts.Threads = n
	return b
}

// WithFactory overrides the registered runtime lookup.
func (b *EngineBuilder) WithFactory(factory EngineFactory) *EngineBuilder {
	b.factory = factory
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Model returns the resolved model, nil until WithModel succeeds.
func (b *EngineBuilder) Model() *models.Model {
	return b.model
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The error if any.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.model == nil {
		return nil, errors.New("model not configured")
	}
	if b.factory != nil {
		opts := b.opts
		if opts.Threads == 0 {
			opts.Threads = b.model.Config.Threads
		}
		return b.factory(b.model.Config, opts)
	}
	return NewEngine(b.model.Config, b.opts)
}
