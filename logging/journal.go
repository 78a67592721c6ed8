package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
)

// JournalConfig configures the rotating classification journal.
type JournalConfig struct {
	// Path of the journal file. An empty path disables the journal.
	Path string `json:"path" yaml:"path"`
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`
	// Compress gzips rotated files.
	Compress bool `json:"compress" yaml:"compress"`
}

// JournalEntry is one line of the classification journal.
type JournalEntry struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Label     string    `json:"label"`
	Index     int       `json:"index"`
	Score     float32   `json:"score"`
	LatencyMS float64   `json:"latency_ms"`
}

// Journal appends classifications as JSON lines.
type Journal struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewJournal opens a lumberjack-backed journal.
//
// Arguments:
//   - cfg: The journal configuration.
//
// Returns:
//   - *Journal: The journal, or nil when cfg.Path is empty.
func NewJournal(cfg JournalConfig) *Journal {
	if cfg.Path == "" {
		return nil
	}
	return NewJournalWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// NewJournalWriter creates a journal over any writer.
func NewJournalWriter(w io.WriteCloser) *Journal {
	return &Journal{w: w}
}

// Record appends one entry. A nil journal discards the entry.
func (j *Journal) Record(entry JournalEntry) error {
	if j == nil {
		return nil
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal journal entry")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "write journal entry")
	}
	return nil
}

// Close closes the underlying writer.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}
