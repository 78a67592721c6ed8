// Package controller - routes captured frames through preprocessing, async
// inference and postprocessing to the label display.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/capture"
	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
	"github.com/nvr-ai/go-classify/models/postprocess"
	"github.com/nvr-ai/go-classify/profiler"
	"github.com/nvr-ai/go-classify/server"
)

// Counter names recorded in the profiler.
const (
	CounterFrames     = "frames"
	CounterUnchanged  = "unchanged"
	CounterRejected   = "rejected"
	CounterBusy       = "busy"
	CounterStale      = "stale"
	CounterFailed     = "failed"
	CounterHeld       = "held"
	CounterPublished  = "published"
	OperationPrepare  = "preprocess"
	OperationInfer    = "inference"
	MetricTopScore    = "top_score"
	MetricTensorRange = "tensor_max"
)

// LabelSink receives the classifications chosen for display.
type LabelSink interface {
	Publish(u server.Update) bool
}

// Options tunes the pipeline.
type Options struct {
	// FitWindow resizes and crops frames smaller or larger than the
	// sampling window. Without it, frames that do not cover the window
	// are dropped.
	FitWindow     bool
	Interpolation images.Interpolation
	// Softmax converts logits to probabilities before classification.
	Softmax bool
	// TopK is the number of classifications per update. Defaults to 1.
	TopK int
	// HysteresisFrames is the number of consecutive frames a new best
	// label needs before it replaces the displayed one. 0 or 1 publishes
	// every result.
	HysteresisFrames int
	// ChangeThreshold skips frames whose mean colour difference to the
	// last classified frame is below it, in [0,1]. 0 classifies every frame.
	ChangeThreshold float64
}

// Config wires a Controller.
type Config struct {
	Preprocessor *preprocess.Preprocessor
	Engine       inference.Engine
	Classifier   *inference.Classifier
	Labels       postprocess.LabelSource
	Sink         LabelSink
	Journal      *logging.Journal
	Profiler     *profiler.RuntimeProfiler
	Options      Options
}

// Controller runs the classification pipeline for one capture session.
type Controller struct {
	pre        *preprocess.Preprocessor
	engine     inference.Engine
	classifier *inference.Classifier
	labels     postprocess.LabelSource
	sink       LabelSink
	journal    *logging.Journal
	prof       *profiler.RuntimeProfiler
	opts       Options

	change     *ChangeDetector
	stabilizer *Stabilizer

	wg sync.WaitGroup
}

// New creates a controller.
//
// Arguments:
//   - cfg: The pipeline stages. Preprocessor, Classifier and Sink are required.
//
// Returns:
//   - *Controller: The controller.
//   - error: An error if a required stage is missing.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Preprocessor == nil:
		return nil, errors.New("controller needs a preprocessor")
	case cfg.Classifier == nil:
		return nil, errors.New("controller needs a classifier")
	case cfg.Sink == nil:
		return nil, errors.New("controller needs a label sink")
	}
	if cfg.Options.TopK <= 0 {
		cfg.Options.TopK = 1
	}

	c := &Controller{
		pre:        cfg.Preprocessor,
		engine:     cfg.Engine,
		classifier: cfg.Classifier,
		labels:     cfg.Labels,
		sink:       cfg.Sink,
		journal:    cfg.Journal,
		prof:       cfg.Profiler,
		opts:       cfg.Options,
		stabilizer: NewStabilizer(cfg.Options.HysteresisFrames),
	}
	if cfg.Options.ChangeThreshold > 0 {
		c.change = NewChangeDetector(cfg.Options.ChangeThreshold)
	}
	return c, nil
}

// Run consumes frames until the channel closes or ctx is done, then waits
// for outstanding results.
func (c *Controller) Run(ctx context.Context, frames <-chan capture.Captured) error {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case captured, ok := <-frames:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, captured); err != nil {
				logging.Debug("frame dropped", "sequence", captured.Sequence, "error", err)
			}
		}
	}
}

// Handle submits one captured frame. The result is published
// asynchronously. A returned error means the frame was dropped.
func (c *Controller) Handle(ctx context.Context, captured capture.Captured) error {
	c.prof.Count(CounterFrames)

	if c.change != nil && !c.change.Changed(captured.Frame) {
		c.prof.Count(CounterUnchanged)
		return errors.New("frame unchanged")
	}

	tensor, err := c.prepare(captured.Frame)
	if err != nil {
		c.prof.Count(CounterRejected)
		return err
	}

	results, err := c.classifier.Submit(ctx, captured.Sequence, tensor)
	switch {
	case errors.Is(err, inference.ErrBusy):
		c.prof.Count(CounterBusy)
		return err
	case errors.Is(err, inference.ErrStale):
		c.prof.Count(CounterStale)
		return err
	case err != nil:
		c.prof.Count(CounterFailed)
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, ok := <-results
		if !ok {
			return
		}
		c.deliver(captured, res)
	}()
	return nil
}

func (c *Controller) prepare(f *images.Frame) (*preprocess.Tensor, error) {
	done := c.prof.StartOperation(OperationPrepare)
	defer done()

	if c.opts.FitWindow {
		w, h := c.pre.Config().Window()
		fitted, err := images.FitWindow(f, w, h, c.opts.Interpolation)
		if err != nil {
			return nil, err
		}
		f = fitted
	}
	t, err := c.pre.Preprocess(f)
	if err != nil {
		return nil, err
	}
	_, hi := t.Range()
	c.prof.RecordMetric(MetricTensorRange, float64(hi))
	return t, nil
}

func (c *Controller) deliver(captured capture.Captured, res inference.Result) {
	if res.Err != nil {
		if errors.Is(res.Err, inference.ErrStale) {
			c.prof.Count(CounterStale)
		} else {
			c.prof.Count(CounterFailed)
		}
		return
	}
	c.prof.RecordOperation(OperationInfer, res.Latency)

	classes, err := c.classify(res.Scores)
	if err != nil {
		c.prof.Count(CounterFailed)
		logging.Warn("postprocess failed", "sequence", res.Sequence, "error", err)
		return
	}

	if !c.stabilizer.Decide(classes[0].Index) {
		c.prof.Count(CounterHeld)
		return
	}

	update := server.Update{
		SessionID: captured.SessionID,
		Sequence:  res.Sequence,
		Results:   classes,
		LatencyMS: float64(res.Latency) / float64(time.Millisecond),
	}
	if !c.sink.Publish(update) {
		c.prof.Count(CounterStale)
		return
	}
	c.prof.Count(CounterPublished)
	c.prof.RecordMetric(MetricTopScore, float64(classes[0].Score))

	best := classes[0]
	if err := c.journal.Record(logging.JournalEntry{
		SessionID: captured.SessionID,
		Sequence:  res.Sequence,
		Label:     best.Label,
		Index:     best.Index,
		Score:     best.Score,
		LatencyMS: update.LatencyMS,
	}); err != nil {
		logging.Warn("journal write failed", "error", err)
	}
}

func (c *Controller) classify(scores []float32) ([]postprocess.Classification, error) {
	if len(scores) == 0 {
		return nil, postprocess.ErrNoResult
	}
	if c.opts.Softmax {
		probs, err := postprocess.Softmax(scores)
		if err != nil {
			return nil, err
		}
		scores = probs
	}
	return postprocess.TopK(scores, c.labels, c.opts.TopK), nil
}

// ClassifyFrame classifies a single frame synchronously on the engine,
// bypassing the live classifier and the display.
func (c *Controller) ClassifyFrame(ctx context.Context, f *images.Frame) ([]postprocess.Classification, error) {
	if c.engine == nil {
		return nil, errors.New("no engine for single-shot classification")
	}
	t, err := c.prepare(f)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	scores, err := c.engine.Run(ctx, t.Data)
	if err != nil {
		return nil, errors.Wrap(err, "run engine")
	}
	c.prof.RecordOperation(OperationInfer, time.Since(start))
	return c.classify(scores)
}
