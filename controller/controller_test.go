package controller

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-classify/capture"
	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/inference"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models"
	"github.com/nvr-ai/go-classify/models/model/preprocess"
	"github.com/nvr-ai/go-classify/profiler"
	"github.com/nvr-ai/go-classify/server"
)

var flowers = models.NewLabels([]string{"daisy", "dandelion", "roses", "sunflowers", "tulips"})

// scriptedEngine returns the next output of a script on every run,
// repeating the last one when the script runs out.
type scriptedEngine struct {
	mu      sync.Mutex
	outputs [][]float32
	runs    int
	err     error
	gate    chan struct{}
}

func (e *scriptedEngine) Run(ctx context.Context, input []float32) ([]float32, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	i := min(e.runs, len(e.outputs)-1)
	e.runs++
	return append([]float32(nil), e.outputs[i]...), nil
}

func (e *scriptedEngine) Close() error { return nil }

func best(index int) []float32 {
	out := make([]float32, 5)
	out[index] = 0.9
	return out
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type harness struct {
	ctrl   *Controller
	engine *scriptedEngine
	cls    *inference.Classifier
	board  *server.LabelBoard
	prof   *profiler.RuntimeProfiler
	seq    uint64
}

func newHarness(t *testing.T, engine *scriptedEngine, maxInFlight int, opts Options) *harness {
	t.Helper()
	pre, err := preprocess.NewPreprocessor(preprocess.ClassifierConfig())
	require.NoError(t, err)

	cls := inference.NewClassifier(engine, inference.ClassifierOptions{MaxInFlight: maxInFlight})
	t.Cleanup(func() { cls.Close() })

	h := &harness{
		engine: engine,
		cls:    cls,
		board:  server.NewLabelBoard(),
		prof:   profiler.NewRuntimeProfiler(profiler.ProfilingOptions{}),
	}
	h.ctrl, err = New(Config{
		Preprocessor: pre,
		Engine:       engine,
		Classifier:   cls,
		Labels:       flowers,
		Sink:         h.board,
		Profiler:     h.prof,
		Options:      opts,
	})
	require.NoError(t, err)
	return h
}

func frame(w, h int, value byte) *images.Frame {
	f := images.NewBlankFrame(w, h)
	for i := 0; i < len(f.Pix); i += images.BytesPerPixel {
		f.Pix[i] = 0xff
		f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = value, value/2, 255-value
	}
	return f
}

// handle submits the next frame and waits for its result to be delivered.
func (h *harness) handle(t *testing.T, f *images.Frame) error {
	t.Helper()
	h.seq++
	err := h.ctrl.Handle(context.Background(), capture.Captured{SessionID: "s", Sequence: h.seq, Frame: f})
	h.ctrl.wg.Wait()
	return err
}

func TestNewRequiresStages(t *testing.T) {
	pre, err := preprocess.NewPreprocessor(preprocess.ClassifierConfig())
	require.NoError(t, err)
	cls := inference.NewClassifier(&scriptedEngine{outputs: [][]float32{best(0)}}, inference.ClassifierOptions{})
	defer cls.Close()

	_, err = New(Config{Classifier: cls, Sink: server.NewLabelBoard()})
	assert.Error(t, err)
	_, err = New(Config{Preprocessor: pre, Sink: server.NewLabelBoard()})
	assert.Error(t, err)
	_, err = New(Config{Preprocessor: pre, Classifier: cls})
	assert.Error(t, err)
}

func TestHandlePublishesTopK(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{{1, 0, 3, 0, 2}}}
	h := newHarness(t, engine, 1, Options{Softmax: true, TopK: 2})

	require.NoError(t, h.handle(t, frame(224, 224, 80)))

	u, ok := h.board.Current()
	require.True(t, ok)
	require.Len(t, u.Results, 2)
	assert.Equal(t, "roses", u.Results[0].Label)
	assert.Equal(t, "tulips", u.Results[1].Label)
	assert.True(t, strings.HasPrefix(u.Text(), "roses: "))
	assert.InDelta(t, 0.6239, u.Results[0].Score, 1e-3)
	assert.Equal(t, uint64(1), u.Sequence)
	assert.Equal(t, "s", u.SessionID)

	assert.Equal(t, int64(1), h.prof.Counter(CounterFrames))
	assert.Equal(t, int64(1), h.prof.Counter(CounterPublished))
	stats := h.prof.GetCurrentStats()
	assert.Equal(t, int64(1), stats.Operations[OperationInfer].Count)
	assert.Equal(t, int64(1), stats.Operations[OperationPrepare].Count)
}

func TestHandleRejectsSmallFrame(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{best(1)}}, 1, Options{})

	err := h.handle(t, frame(100, 100, 10))
	assert.ErrorIs(t, err, images.ErrFrameTooSmall)
	assert.Equal(t, int64(1), h.prof.Counter(CounterRejected))
	_, ok := h.board.Current()
	assert.False(t, ok)
}

func TestHandleFitsWindow(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{best(1)}}, 1, Options{
		FitWindow:     true,
		Interpolation: images.InterpolationNearest,
	})

	require.NoError(t, h.handle(t, frame(100, 80, 10)))
	u, ok := h.board.Current()
	require.True(t, ok)
	assert.Equal(t, "dandelion", u.Results[0].Label)
}

func TestHandleBusy(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{best(3)}, gate: make(chan struct{})}
	h := newHarness(t, engine, 1, Options{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Handle(ctx, capture.Captured{Sequence: 1, Frame: frame(224, 224, 1)}))
	err := h.ctrl.Handle(ctx, capture.Captured{Sequence: 2, Frame: frame(224, 224, 2)})
	assert.ErrorIs(t, err, inference.ErrBusy)
	assert.Equal(t, int64(1), h.prof.Counter(CounterBusy))

	close(engine.gate)
	h.ctrl.wg.Wait()
	u, ok := h.board.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(1), u.Sequence)
	assert.Equal(t, "sunflowers", u.Results[0].Label)
}

func TestHandleSupersededFrameIsStale(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{best(4)}, gate: make(chan struct{})}
	h := newHarness(t, engine, 2, Options{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Handle(ctx, capture.Captured{Sequence: 1, Frame: frame(224, 224, 1)}))
	require.NoError(t, h.ctrl.Handle(ctx, capture.Captured{Sequence: 2, Frame: frame(224, 224, 2)}))

	// The older run is cancelled by the newer submission.
	require.Eventually(t, func() bool { return h.prof.Counter(CounterStale) == 1 }, time.Second, 5*time.Millisecond)

	close(engine.gate)
	h.ctrl.wg.Wait()
	u, ok := h.board.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(2), u.Sequence)
	assert.Equal(t, int64(1), h.prof.Counter(CounterPublished))
}

func TestHandleOldSequenceIsStale(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{best(0)}}, 1, Options{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Handle(ctx, capture.Captured{Sequence: 5, Frame: frame(224, 224, 1)}))
	h.ctrl.wg.Wait()
	err := h.ctrl.Handle(ctx, capture.Captured{Sequence: 4, Frame: frame(224, 224, 1)})
	assert.ErrorIs(t, err, inference.ErrStale)
	assert.Equal(t, int64(1), h.prof.Counter(CounterStale))
}

func TestHandleEngineFailure(t *testing.T) {
	h := newHarness(t, &scriptedEngine{err: errors.New("device lost")}, 1, Options{})

	require.NoError(t, h.handle(t, frame(224, 224, 1)))
	assert.Equal(t, int64(1), h.prof.Counter(CounterFailed))
	_, ok := h.board.Current()
	assert.False(t, ok)
}

func TestHandleEmptyOutput(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{{}}}, 1, Options{})

	require.NoError(t, h.handle(t, frame(224, 224, 1)))
	assert.Equal(t, int64(1), h.prof.Counter(CounterFailed))
}

func TestHandleHysteresis(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{best(0), best(1), best(0), best(1), best(1)}}
	h := newHarness(t, engine, 1, Options{HysteresisFrames: 2})

	var shown []string
	for i := 0; i < 5; i++ {
		require.NoError(t, h.handle(t, frame(224, 224, byte(i))))
		u, _ := h.board.Current()
		shown = append(shown, u.Results[0].Label)
	}
	assert.Equal(t, []string{"daisy", "daisy", "daisy", "daisy", "dandelion"}, shown)
	assert.Equal(t, int64(2), h.prof.Counter(CounterHeld))
	assert.Equal(t, int64(3), h.prof.Counter(CounterPublished))
}

func TestHandleSkipsUnchangedFrames(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{best(2)}}, 1, Options{ChangeThreshold: 0.05})

	require.NoError(t, h.handle(t, frame(224, 224, 100)))
	assert.Error(t, h.handle(t, frame(224, 224, 101)))
	require.NoError(t, h.handle(t, frame(224, 224, 200)))

	assert.Equal(t, int64(1), h.prof.Counter(CounterUnchanged))
	assert.Equal(t, int64(2), h.prof.Counter(CounterPublished))
}

func TestHandleWritesJournal(t *testing.T) {
	var buf bytes.Buffer
	engine := &scriptedEngine{outputs: [][]float32{best(3)}}
	h := newHarness(t, engine, 1, Options{})
	h.ctrl.journal = logging.NewJournalWriter(nopCloser{&buf})

	require.NoError(t, h.handle(t, frame(224, 224, 1)))
	assert.Contains(t, buf.String(), `"label":"sunflowers"`)
	assert.Contains(t, buf.String(), `"session_id":"s"`)
}

func TestClassifyFrame(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{best(4)}}
	h := newHarness(t, engine, 1, Options{TopK: 3})

	results, err := h.ctrl.ClassifyFrame(context.Background(), frame(300, 300, 9))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "tulips", results[0].Label)

	// Single-shot classification never touches the display.
	_, ok := h.board.Current()
	assert.False(t, ok)

	_, err = h.ctrl.ClassifyFrame(context.Background(), frame(10, 10, 9))
	assert.ErrorIs(t, err, images.ErrFrameTooSmall)

	h.ctrl.engine = nil
	_, err = h.ctrl.ClassifyFrame(context.Background(), frame(300, 300, 9))
	assert.Error(t, err)
}

func TestRunWithCaptureSession(t *testing.T) {
	engine := &scriptedEngine{outputs: [][]float32{best(1)}}
	h := newHarness(t, engine, 1, Options{})

	session := capture.NewSession(capture.NewPatternSource(224, 224, 6), capture.SessionOptions{Buffer: 6})
	frames, err := session.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Run(context.Background(), frames))

	assert.Equal(t, int64(session.Stats().Delivered), h.prof.Counter(CounterFrames))
	assert.GreaterOrEqual(t, h.prof.Counter(CounterPublished), int64(1))
	assert.Equal(t, h.cls.Stats().Delivered, uint64(h.prof.Counter(CounterPublished)))

	u, ok := h.board.Current()
	require.True(t, ok)
	assert.Equal(t, session.ID(), u.SessionID)
	assert.Equal(t, "dandelion", u.Results[0].Label)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, &scriptedEngine{outputs: [][]float32{best(1)}}, 1, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.ctrl.Run(ctx, make(chan capture.Captured))
	assert.ErrorIs(t, err, context.Canceled)
}
