package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
)

var (
	// ErrBusy is returned by Submit when the in-flight bound is reached.
	ErrBusy = errors.New("classifier busy")
	// ErrStale marks a result superseded by a newer frame.
	ErrStale = errors.New("stale result")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("classifier closed")
)

// Result is the outcome of one asynchronous inference.
type Result struct {
	// Sequence is the frame sequence number given to Submit.
	Sequence uint64
	// Scores is the model output, nil when Err is set.
	Scores []float32
	// Latency is the time spent in the engine.
	Latency time.Duration
	// Err is ErrStale, a context error or an engine error.
	Err error
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// MaxInFlight bounds concurrent inferences. Defaults to 1.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`
	// Timeout bounds a single inference, 0 for no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// ClassifierStats counts submissions by outcome.
type ClassifierStats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Busy      uint64 `json:"busy"`
	Stale     uint64 `json:"stale"`
	Failed    uint64 `json:"failed"`
}

// Classifier runs inference asynchronously, one result channel per frame.
//
// A newer submission cancels older in-flight work, and a result older than
// the newest delivered result is reported as ErrStale instead of scores.
type Classifier struct {
	engine Engine
	opts   ClassifierOptions
	slots  chan struct{}

	mu        sync.Mutex
	closed    bool
	submitted uint64
	delivered uint64
	cancels   map[uint64]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats struct {
		submitted, delivered, busy, stale, failed atomic.Uint64
	}
}

// NewClassifier creates an asynchronous classifier over engine.
//
// Arguments:
//   - engine: The engine to run. The caller keeps ownership and closes it
//     after Close returns.
//   - opts: The concurrency options.
//
// Returns:
//   - *Classifier: The classifier.
func NewClassifier(engine Engine, opts ClassifierOptions) *Classifier {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Classifier{
		engine:  engine,
		opts:    opts,
		slots:   make(chan struct{}, opts.MaxInFlight),
		cancels: make(map[uint64]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit starts inference on a tensor and returns a channel that receives
// exactly one Result and is then closed.
//
// Arguments:
//   - ctx: Cancels this inference when done.
//   - seq: The frame sequence number. Must increase between calls.
//   - t: The preprocessed tensor.
//
// Returns:
//   - <-chan Result: The result channel.
//   - error: ErrBusy when MaxInFlight inferences are running, ErrStale when
//     seq is not newer than the last submission, ErrClosed after Close.
func (c *Classifier) Submit(ctx context.Context, seq uint64, t *preprocess.Tensor) (<-chan Result, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if seq <= c.submitted && c.submitted != 0 {
		c.stats.stale.Add(1)
		return nil, errors.Wrapf(ErrStale, "sequence %d after %d", seq, c.submitted)
	}

	select {
	case c.slots <- struct{}{}:
	default:
		c.stats.busy.Add(1)
		return nil, ErrBusy
	}

	for s, cancel := range c.cancels {
		if s < seq {
			cancel()
		}
	}
	c.submitted = seq
	c.stats.submitted.Add(1)

	runCtx, cancel := context.WithCancel(ctx)
	if c.opts.Timeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, c.opts.Timeout)
	}
	stop := context.AfterFunc(c.ctx, cancel)
	c.cancels[seq] = cancel

	out := make(chan Result, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer cancel()

		res := c.run(runCtx, seq, t)
		<-c.slots
		out <- res
		close(out)
	}()
	return out, nil
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

func (c *Classifier) run(ctx context.Context, seq uint64, t *preprocess.Tensor) Result {
	start := time.Now()
	scores, err := c.engine.Run(ctx, t.Data)
	if err == nil {
		err = ctx.Err()
	}
	res := Result{Sequence: seq, Latency: time.Since(start)}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, seq)

	switch {
	case err != nil && seq < c.submitted && errors.Is(err, context.Canceled):
		res.Err = errors.Wrapf(ErrStale, "sequence %d superseded by %d", seq, c.submitted)
		c.stats.stale.Add(1)
	case err != nil:
		res.Err = err
		c.stats.failed.Add(1)
		logging.Warn("inference failed", "sequence", seq, "error", err)
	case seq < c.delivered:
		res.Err = errors.Wrapf(ErrStale, "sequence %d older than delivered %d", seq, c.delivered)
		c.stats.stale.Add(1)
	default:
		c.delivered = seq
		res.Scores = scores
		c.stats.delivered.Add(1)
	}
	return res
}

// InFlight returns the number of running inferences.
func (c *Classifier) InFlight() int {
	return len(c.slots)
}

// Stats returns a snapshot of the submission counters.
func (c *Classifier) Stats() ClassifierStats {
	return ClassifierStats{
		Submitted: c.stats.submitted.Load(),
		Delivered: c.stats.delivered.Load(),
		Busy:      c.stats.busy.Load(),
		Stale:     c.stats.stale.Load(),
		Failed:    c.stats.failed.Load(),
	}
}

// Close cancels in-flight inferences and waits for them to finish.
func (c *Classifier) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
