// Package capture produces sequenced frames from cameras, image
// directories and synthetic patterns.
package capture

import (
	"context"
	"time"

	"github.com/nvr-ai/go-classify/images"
)

// Source delivers frames one at a time.
//
// Read returns io.EOF when a finite source is exhausted. Sources are used by
// a single goroutine and need not be safe for concurrent use.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Open acquires the underlying device or files.
	Open(ctx context.Context) error
	// Read returns the next frame.
	Read(ctx context.Context) (*images.Frame, error)
	// Close releases the source.
	Close() error
}

// Captured is one frame delivered by a Session.
type Captured struct {
	// SessionID identifies the session that captured the frame.
	SessionID string
	// Sequence increases strictly within a session, starting at 1.
	Sequence uint64
	// Time is when the frame was read.
	Time time.Time
	// Frame is the captured frame. Receivers must not modify it.
	Frame *images.Frame
}
