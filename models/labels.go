package models

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// UnknownLabel is returned for class indices outside the label list.
const UnknownLabel = "unknown"

// Labels is an ordered, immutable list of class names indexed by the
// model's output position.
type Labels struct {
	names     []string
	nameToIdx map[string]int
}

// NewLabels builds a label list from names.
func NewLabels(names []string) *Labels {
	l := &Labels{
		names:     append([]string(nil), names...),
		nameToIdx: make(map[string]int, len(names)),
	}
	for i, n := range l.names {
		if _, ok := l.nameToIdx[n]; !ok {
			l.nameToIdx[n] = i
		}
	}
	return l
}

// ReadLabels reads one label per line.
//
// Carriage returns are stripped and trailing blank lines are ignored; blank
// lines in the middle are kept so that indices stay aligned with the model.
//
// Arguments:
//   - r: The newline-delimited label source.
//
// Returns:
//   - *Labels: The label list.
//   - error: An error if reading fails or no label is present.
func ReadLabels(r io.Reader) (*Labels, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		names = append(names, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	for len(names) > 0 && strings.TrimSpace(names[len(names)-1]) == "" {
		names = names[:len(names)-1]
	}
	if len(names) == 0 {
		return nil, errors.New("label list is empty")
	}
	return NewLabels(names), nil
}

// LoadLabels reads a label file.
func LoadLabels(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open labels %s", path)
	}
	defer f.Close()

	labels, err := ReadLabels(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load labels %s", path)
	}
	return labels, nil
}

// Get returns the label at index i, or UnknownLabel when i is out of range.
func (l *Labels) Get(i int) string {
	if l == nil || i < 0 || i >= len(l.names) {
		return UnknownLabel
	}
	return l.names[i]
}

// Index returns the first index of name.
func (l *Labels) Index(name string) (int, bool) {
	if l == nil {
		return -1, false
	}
	i, ok := l.nameToIdx[name]
	if !ok {
		return -1, false
	}
	return i, true
}

// Len returns the number of labels.
func (l *Labels) Len() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}

// Names returns a copy of the labels.
func (l *Labels) Names() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.names...)
}
