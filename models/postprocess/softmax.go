package postprocess

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Softmax converts logits into probabilities with a gorgonia graph.
//
// Arguments:
//   - logits: The raw model outputs.
//
// Returns:
//   - []float32: A new slice of probabilities summing to 1.
//   - error: ErrNoResult for empty input, or a graph execution error.
func Softmax(logits []float32) ([]float32, error) {
	switch len(logits) {
	case 0:
		return nil, ErrNoResult
	case 1:
		return []float32{1}, nil
	}

	backing := make([]float32, len(logits))
	copy(backing, logits)

	g := G.NewGraph()
	x := G.NewVector(g, tensor.Float32, G.WithShape(len(logits)), G.WithName("logits"))
	probs, err := G.SoftMax(x)
	if err != nil {
		return nil, errors.Wrap(err, "build softmax")
	}
	if err := G.Let(x, tensor.New(tensor.WithShape(len(logits)), tensor.WithBacking(backing))); err != nil {
		return nil, errors.Wrap(err, "bind logits")
	}

	tm := G.NewTapeMachine(g)
	defer tm.Close()
	if err := tm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run softmax")
	}

	data, ok := probs.Value().Data().([]float32)
	if !ok {
		return nil, errors.Errorf("softmax produced %T", probs.Value().Data())
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
