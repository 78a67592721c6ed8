package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/nvr-ai/go-classify/models/postprocess"
)

// Update is one displayed classification result.
type Update struct {
	SessionID string `json:"session_id,omitempty"`
	Sequence  uint64 `json:"sequence"`
	// Results holds the top classifications, best first.
	Results   []postprocess.Classification `json:"results"`
	LatencyMS float64                      `json:"latency_ms"`
	Time      time.Time                    `json:"time"`
}

// Text renders the best result as "label: score", the way the display
// shows it.
func (u Update) Text() string {
	if len(u.Results) == 0 {
		return ""
	}
	return u.Results[0].String()
}

// LabelBoard holds the currently displayed label and fans updates out to
// subscribers. It is the only place the displayed label changes.
type LabelBoard struct {
	mu      sync.RWMutex
	current *Update
	subs    map[chan Update]struct{}
}

// NewLabelBoard creates an empty board.
func NewLabelBoard() *LabelBoard {
	return &LabelBoard{subs: make(map[chan Update]struct{})}
}

// Publish replaces the displayed label.
//
// Updates with a sequence not newer than the displayed one are ignored, so
// a late result never overwrites a newer label. Slow subscribers miss
// intermediate updates instead of blocking the publisher.
//
// Returns:
//   - bool: Whether the update was displayed.
func (b *LabelBoard) Publish(u Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && u.SessionID == b.current.SessionID && u.Sequence <= b.current.Sequence {
		return false
	}
	if u.Time.IsZero() {
		u.Time = time.Now()
	}
	b.current = &u

	for ch := range b.subs {
		select {
		case ch <- u:
		default:
			// Replace the pending update with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
	return true
}

// Current returns the displayed update, if any.
func (b *LabelBoard) Current() (Update, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Update{}, false
	}
	return *b.current, true
}

// Subscribe registers a listener. The returned channel receives the latest
// updates and is closed by the cancel function.
func (b *LabelBoard) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.current != nil {
		ch <- *b.current
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *LabelBoard) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LabelBoard) String() string {
	u, ok := b.Current()
	if !ok {
		return "no label"
	}
	return fmt.Sprintf("#%d %s", u.Sequence, u.Text())
}
