// Package postprocess - turns model outputs into classifications.
package postprocess

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// ErrNoResult is returned when a model produced no usable output.
var ErrNoResult = errors.New("no inference result")

// LabelSource resolves class indices to names.
type LabelSource interface {
	Get(i int) string
}

// Classification is a single scored class.
type Classification struct {
	// The class index in the model output.
	Index int `json:"index"`
	// The human-readable label.
	Label string `json:"label"`
	// The probability or score of the class.
	Score float32 `json:"score"`
}

// String renders the classification as "label: score".
func (c Classification) String() string {
	return fmt.Sprintf("%s: %v", c.Label, c.Score)
}

// ranksAbove orders scores descending with NaN below every number.
func ranksAbove(a, b float32) bool {
	if math32.IsNaN(a) {
		return false
	}
	return math32.IsNaN(b) || a > b
}

// Argmax returns the index of the largest score. Ties resolve to the
// lowest index and NaN ranks below every number. It returns -1 for an empty
// slice.
func Argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if ranksAbove(scores[i], scores[best]) {
			best = i
		}
	}
	return best
}

// TopK returns the k highest scores in descending order.
//
// Arguments:
//   - scores: The model outputs.
//   - labels: The label source, may be nil.
//   - k: The number of classifications to return, capped at len(scores).
//
// Returns:
//   - []Classification: The best k classes, ties ordered by index, NaN last.
func TopK(scores []float32, labels LabelSource, k int) []Classification {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return ranksAbove(scores[idx[a]], scores[idx[b]]) })

	out := make([]Classification, k)
	for i := 0; i < k; i++ {
		out[i] = Classification{Index: idx[i], Label: labelFor(labels, idx[i]), Score: scores[idx[i]]}
	}
	return out
}

// Classify returns the best classification of a model output.
//
// Arguments:
//   - scores: The model outputs for one frame.
//   - labels: The label source, may be nil.
//
// Returns:
//   - Classification: The highest scoring class.
//   - error: ErrNoResult if scores is empty or every score is NaN.
func Classify(scores []float32, labels LabelSource) (Classification, error) {
	best := Argmax(scores)
	if best < 0 {
		return Classification{}, ErrNoResult
	}
	if math32.IsNaN(scores[best]) {
		return Classification{}, errors.Wrap(ErrNoResult, "all scores are NaN")
	}
	return Classification{Index: best, Label: labelFor(labels, best), Score: scores[best]}, nil
}

func labelFor(labels LabelSource, i int) string {
	if labels == nil {
		return "unknown"
	}
	return labels.Get(i)
}
