// Command verify-order classifies images with a known label using both
// sampling orders and reports which order yields that label.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nvr-ai/go-classify/capture"
	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/inference"
	_ "github.com/nvr-ai/go-classify/inference/providers"
	_ "github.com/nvr-ai/go-classify/inference/providers/tflite"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models"
	"github.com/nvr-ai/go-classify/models/model"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
	"github.com/nvr-ai/go-classify/models/postprocess"
)

func main() {
	var (
		modelName  string
		modelPath  string
		labelsPath string
		imagePaths string
		deviceID   string
		expected   string
		fit        bool
	)
	flag.StringVar(&modelName, "model-name", string(model.ModelNameOptimizedGraph), "Registered model name")
	flag.StringVar(&modelPath, "model", "", "Path to the model file")
	flag.StringVar(&labelsPath, "labels", "", "Path to the label file")
	flag.StringVar(&imagePaths, "image", "", "Comma-separated images that all show the expected label (jpeg, png or webp)")
	flag.StringVar(&deviceID, "device", "", "Grab one frame from this camera instead of -image")
	flag.StringVar(&expected, "expect", "", "The label the images are known to show")
	flag.BoolVar(&fit, "fit-window", true, "Resize and crop the images to the model input")
	flag.Parse()

	if expected == "" || (imagePaths == "" && deviceID == "") {
		fmt.Fprintln(os.Stderr, "usage: verify-order -expect LABEL (-image FILE[,FILE...] | -device ID)")
		os.Exit(2)
	}
	logging.Init(logging.Options{Level: "warn"})

	if err := run(modelName, modelPath, labelsPath, imagePaths, deviceID, expected, fit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(modelName, modelPath, labelsPath, imagePaths, deviceID, expected string, fit bool) error {
	m, err := models.NewModel(model.Config{
		Name:       model.Name(modelName),
		Path:       modelPath,
		LabelsPath: labelsPath,
	})
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}
	engine, err := inference.NewEngineBuilder().WithResolvedModel(m).Build()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Close()

	frames, err := loadFrames(imagePaths, deviceID)
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	fmt.Printf("%d frame(s), expecting %q\n", len(frames), expected)

	matches := map[preprocess.SamplingOrder]int{}
	orders := []preprocess.SamplingOrder{preprocess.SamplingTransposed, preprocess.SamplingRowMajor}
	for _, order := range orders {
		results, latency, err := classify(engine, m, frames, order, fit)
		if err != nil {
			fmt.Printf("  %-10s error: %v\n", order, err)
			continue
		}
		for _, best := range results {
			if best.Label == expected {
				matches[order]++
			}
		}
		fmt.Printf("  %-10s %d/%d matched, first %s (%s)\n",
			order, matches[order], len(frames), results[0], latency.Round(time.Millisecond))
	}

	t, r := matches[preprocess.SamplingTransposed], matches[preprocess.SamplingRowMajor]
	switch {
	case t == 0 && r == 0:
		return fmt.Errorf("no sampling order produced the expected label")
	case t == r:
		return fmt.Errorf("inconclusive: both orders matched %d frame(s), try less symmetric images", t)
	case t > r:
		fmt.Printf("* %s\n", preprocess.SamplingTransposed)
	default:
		fmt.Printf("* %s\n", preprocess.SamplingRowMajor)
	}
	return nil
}

func loadFrames(paths, device string) ([]*images.Frame, error) {
	if paths != "" {
		var frames []*images.Frame
		for _, path := range strings.Split(paths, ",") {
			data, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				return nil, err
			}
			f, err := images.DecodeFrame(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			frames = append(frames, f)
		}
		return frames, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cam := capture.NewCameraSource(device, 0, 0)
	if err := cam.Open(ctx); err != nil {
		return nil, err
	}
	defer cam.Close()
	f, err := cam.Read(ctx)
	if err != nil {
		return nil, err
	}
	return []*images.Frame{f}, nil
}

// classify returns the best classification of every frame under one sampling
// order, and the total engine time.
func classify(
	engine inference.Engine,
	m *models.Model,
	frames []*images.Frame,
	order preprocess.SamplingOrder,
	fit bool,
) ([]postprocess.Classification, time.Duration, error) {
	cfg := *m.Preprocess
	cfg.Sampling = order
	pre, err := preprocess.NewPreprocessor(&cfg)
	if err != nil {
		return nil, 0, err
	}

	input := frames
	if fit {
		w, h := cfg.Window()
		input = make([]*images.Frame, len(frames))
		for i, f := range frames {
			if input[i], err = images.FitWindow(f, w, h, images.InterpolationBilinear); err != nil {
				return nil, 0, err
			}
		}
	}
	tensors, err := pre.BatchPreprocess(input, runtime.NumCPU())
	if err != nil {
		return nil, 0, err
	}

	var latency time.Duration
	results := make([]postprocess.Classification, 0, len(tensors))
	for _, tensor := range tensors {
		start := time.Now()
		scores, err := engine.Run(context.Background(), tensor.Data)
		if err != nil {
			return nil, 0, err
		}
		latency += time.Since(start)
		if m.Config.Softmax {
			if scores, err = postprocess.Softmax(scores); err != nil {
				return nil, 0, err
			}
		}
		best, err := postprocess.Classify(scores, m.Labels)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, best)
	}
	return results, latency, nil
}
