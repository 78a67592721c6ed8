package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-classify/capture"
	"github.com/nvr-ai/go-classify/config"
	"github.com/nvr-ai/go-classify/controller"
	"github.com/nvr-ai/go-classify/inference"
	_ "github.com/nvr-ai/go-classify/inference/providers"
	_ "github.com/nvr-ai/go-classify/inference/providers/tflite"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
	"github.com/nvr-ai/go-classify/profiler"
	"github.com/nvr-ai/go-classify/server"
)

func main() {
	var (
		configPath string
		envFile    string
		modelPath  string
		labelsPath string
		device     string
		dir        string
		addr       string
		sampling   string
		fitWindow  bool
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file, ignored when missing")
	flag.StringVar(&modelPath, "model", "", "Path to the model file (.tflite or .onnx)")
	flag.StringVar(&labelsPath, "labels", "", "Path to the newline-delimited label file")
	flag.StringVar(&device, "device", "", "Camera device index, file or URL")
	flag.StringVar(&dir, "dir", "", "Replay frame-N images from this directory instead of a camera")
	flag.StringVar(&addr, "addr", "", "Display server listen address")
	flag.StringVar(&sampling, "sampling", "", "Sampling order: transposed or row-major (default: the model's own)")
	flag.BoolVar(&fitWindow, "fit-window", false, "Resize and crop frames to the model input")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	// Flags win over the file and the environment.
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if labelsPath != "" {
		cfg.Model.LabelsPath = labelsPath
	}
	if device != "" {
		cfg.Capture.Source, cfg.Capture.Device = config.SourceCamera, device
	}
	if dir != "" {
		cfg.Capture.Source, cfg.Capture.Dir = config.SourceDirectory, dir
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if sampling != "" {
		cfg.Preprocess.Sampling = sampling
	}
	if fitWindow {
		cfg.Preprocess.FitWindow = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("classifier stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	builder := inference.NewEngineBuilder().
		WithModel(cfg.Model).
		WithOptions(cfg.Engine)
	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()
	m := builder.Model()

	preCfg, err := cfg.Preprocess.ModelConfig(m.Preprocess)
	if err != nil {
		return err
	}
	pre, err := preprocess.NewPreprocessor(preCfg)
	if err != nil {
		return fmt.Errorf("preprocessor: %w", err)
	}
	w, h := preCfg.Window()
	logging.Info("model loaded",
		"name", m.Config.Name,
		"backend", m.Config.Backend,
		"labels", m.Labels.Len(),
		"sampling", preCfg.Sampling,
		"window", fmt.Sprintf("%dx%d", w, h),
	)

	journal := logging.NewJournal(cfg.Journal)
	defer journal.Close()

	prof := profiler.NewRuntimeProfiler(cfg.Profiler)

	classifier := inference.NewClassifier(engine, cfg.Classifier)
	defer classifier.Close()

	src, err := cfg.Capture.NewSource()
	if err != nil {
		return err
	}
	session := capture.NewSession(src, cfg.Capture.Session)

	prof.AddMetricsCollector(profiler.CollectorFunc(func() map[string]float64 {
		cs, ss := classifier.Stats(), session.Stats()
		return map[string]float64{
			"in_flight":       float64(classifier.InFlight()),
			"capture_dropped": float64(ss.Dropped),
			"capture_errors":  float64(ss.ReadErrors),
			"inference_stale": float64(cs.Stale),
			"inference_busy":  float64(cs.Busy),
		}
	}))
	prof.Start()
	defer prof.Stop()

	board := server.NewLabelBoard()
	ctrl, err := controller.New(controller.Config{
		Preprocessor: pre,
		Engine:       engine,
		Classifier:   classifier,
		Labels:       m.Labels,
		Sink:         board,
		Journal:      journal,
		Profiler:     prof,
		Options: controller.Options{
			FitWindow:        cfg.Preprocess.FitWindow,
			Interpolation:    cfg.Preprocess.Interpolation,
			Softmax:          m.Config.Softmax,
			TopK:             cfg.TopK,
			HysteresisFrames: cfg.HysteresisFrames,
			ChangeThreshold:  cfg.ChangeThreshold,
		},
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Addr:            cfg.Server.Addr,
		StaticDir:       cfg.Server.StaticDir,
		MaxUploadBytes:  int64(cfg.Server.MaxUploadMB) << 20,
		MaxUploadPixels: cfg.Server.MaxUploadMegapixels * 1_000_000,
		Board:           board,
		Predictor:       ctrl,
		Stats: func() any {
			return map[string]any{
				"session":    session.ID(),
				"capture":    session.Stats(),
				"classifier": classifier.Stats(),
				"runtime":    prof.GetCurrentStats(),
			}
		},
	})
	if err != nil {
		return err
	}

	frames, err := session.Start(ctx)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	logging.Info("capture started", "source", src.Name(), "session", session.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		defer session.Stop()
		err := ctrl.Run(gctx, frames)
		if err == nil || gctx.Err() != nil {
			// The source ended; keep displaying the last label until shutdown.
			logging.Info("capture finished", "stats", session.Stats())
			<-gctx.Done()
			return nil
		}
		return err
	})
	return g.Wait()
}
