package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/logging"
)

var (
	// ErrSessionStarted is returned when Start is called twice.
	ErrSessionStarted = errors.New("capture session already started")
	// ErrSessionStopped is returned when Start is called after Stop.
	ErrSessionStopped = errors.New("capture session stopped")
)

// SessionOptions configures a capture session.
type SessionOptions struct {
	// Buffer is the capacity of the frame channel. Frames that do not fit
	// are dropped. Defaults to 1.
	Buffer int `json:"buffer" yaml:"buffer"`
	// SkipFrames forwards only every (SkipFrames+1)th frame.
	SkipFrames int `json:"skip_frames" yaml:"skip_frames"`
	// Interval paces reads; 0 reads as fast as the source allows.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// MaxReadErrors stops the session after this many consecutive read
	// errors; 0 retries forever.
	MaxReadErrors int `json:"max_read_errors" yaml:"max_read_errors"`
}

// SessionStats counts frames by outcome.
type SessionStats struct {
	Captured   uint64 `json:"captured"`
	Delivered  uint64 `json:"delivered"`
	Skipped    uint64 `json:"skipped"`
	Dropped    uint64 `json:"dropped"`
	ReadErrors uint64 `json:"read_errors"`
}

// Session owns one Source and delivers its frames with sequence numbers.
//
// A session is started once and stopped once. Stop waits for the capture
// goroutine and closes the source.
type Session struct {
	id   string
	src  Source
	opts SessionOptions

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	seq        atomic.Uint64
	captured   atomic.Uint64
	delivered  atomic.Uint64
	skipped    atomic.Uint64
	dropped    atomic.Uint64
	readErrors atomic.Uint64
}

// NewSession creates a session over src.
func NewSession(src Source, opts SessionOptions) *Session {
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	return &Session{
		id:   uuid.NewString(),
		src:  src,
		opts: opts,
		done: make(chan struct{}),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Source returns the source owned by the session.
func (s *Session) Source() Source {
	return s.src
}

// Start opens the source and begins delivering frames.
//
// Arguments:
//   - ctx: Stops the session when done.
//
// Returns:
//   - <-chan Captured: Frames in capture order; closed when the session ends.
//   - error: ErrSessionStarted, ErrSessionStopped or a source error.
func (s *Session) Start(ctx context.Context) (<-chan Captured, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSessionStopped
	}
	if s.started {
		return nil, ErrSessionStarted
	}
	if err := s.src.Open(ctx); err != nil {
		return nil, errors.Wrapf(err, "open %s", s.src.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	out := make(chan Captured, s.opts.Buffer)
	go s.loop(runCtx, out)

	logging.Info("capture session started", "session", s.id, "source", s.src.Name())
	return out, nil
}

func (s *Session) loop(ctx context.Context, out chan<- Captured) {
	defer close(s.done)
	defer close(out)
	defer func() {
		if err := s.src.Close(); err != nil {
			logging.Warn("closing capture source", "session", s.id, "error", err)
		}
	}()

	var ticker *time.Ticker
	if s.opts.Interval > 0 {
		ticker = time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
	}

	consecutiveErrors := 0
	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		frame, err := s.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.Info("capture source exhausted", "session", s.id, "source", s.src.Name())
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.readErrors.Add(1)
			consecutiveErrors++
			logging.Debug("capture read failed", "session", s.id, "error", err)
			if s.opts.MaxReadErrors > 0 && consecutiveErrors >= s.opts.MaxReadErrors {
				logging.Error("capture stopped after repeated read errors", "session", s.id, "errors", consecutiveErrors)
				return
			}
			continue
		}
		consecutiveErrors = 0

		n := s.captured.Add(1)
		if s.opts.SkipFrames > 0 && (n-1)%uint64(s.opts.SkipFrames+1) != 0 {
			s.skipped.Add(1)
			continue
		}

		c := Captured{
			SessionID: s.id,
			Sequence:  s.seq.Add(1),
			Time:      time.Now(),
			Frame:     frame,
		}
		select {
		case <-ctx.Done():
			return
		case out <- c:
			s.delivered.Add(1)
		default:
			// The consumer is behind; late frames are discarded.
			s.dropped.Add(1)
		}
	}
}

// Stop ends the session, waits for the capture goroutine and closes the
// source. It is safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-s.done
	logging.Info("capture session stopped", "session", s.id, "captured", s.captured.Load(), "dropped", s.dropped.Load())
}

// Done is closed when the capture goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the frame counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Captured:   s.captured.Load(),
		Delivered:  s.delivered.Load(),
		Skipped:    s.skipped.Load(),
		Dropped:    s.dropped.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}
