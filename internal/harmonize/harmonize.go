// Package harmonize runs the differentiable harmonization pipeline: tonal
// adjustment of the masked region, compositing, color-curve refinement and a
// final composite that leaves the background untouched.
package harmonize

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"

	"harmony-forge/internal/colorxform"
	"harmony-forge/internal/engine"
	"harmony-forge/internal/model"
	"harmony-forge/internal/tensor"
)

// Weights of the two L1 terms.
type Weights struct {
	Final        float64
	Intermediate float64
}

// DefaultWeights doubles the final-output term and disables the intermediate
// one.
func DefaultWeights() Weights {
	return Weights{Final: 2, Intermediate: 0}
}

// Result holds the pipeline nodes. Embedding and Coefficients are the full
// regressor outputs; only batch element 0 drives the adjustment.
type Result struct {
	Output       *Node
	Intermediate *Node
	Embedding    *Node
	Coefficients *Node
}

// Validate checks that image is [N,3,H,W] and mask is [N,1,H,W].
func Validate(image, mask []int) error {
	switch {
	case len(image) != 4:
		return errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{image}, Reason: "image must be [N,3,H,W]"})
	case image[1] != 3:
		return errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{image}, Reason: "image must have 3 channels"})
	case len(mask) != 4 || mask[1] != 1:
		return errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{mask}, Reason: "mask must be [N,1,H,W]"})
	case image[0] != mask[0] || image[2] != mask[2] || image[3] != mask[3]:
		return errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{image, mask}, Reason: "image and mask batch or spatial size differ"})
	}
	return nil
}

// first returns element [0, i] of a [N,F] node as a scalar.
func first(x *Node, i int) *Node {
	return Reshape(Slice(x, AxisRange(0, 1), AxisRange(i, i+1)))
}

// Forward builds the pipeline for image [N,3,H,W] and mask [N,1,H,W].
func Forward(r model.Regressor, image, mask *Node) (*Result, error) {
	if err := Validate(image.Shape().Dimensions, mask.Shape().Dimensions); err != nil {
		return nil, err
	}

	embedding := r.Embed(Concatenate([]*Node{image, mask}, 1))
	if d := embedding.Shape().Dimensions; len(d) != 2 || d[1] < 3 {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{d}, Reason: "embedding must be [N,F] with F >= 3"})
	}

	adjusted := colorxform.AdjustBrightness(image, first(embedding, 0))
	adjusted = colorxform.AdjustContrast(adjusted, first(embedding, 1))
	adjusted = colorxform.AdjustSaturation(adjusted, first(embedding, 2))

	composite := colorxform.Composite(adjusted, image, mask)

	coeffs := r.ColorCoefficients(Concatenate([]*Node{image, composite, mask}, 1))
	if d := coeffs.Shape().Dimensions; len(d) != 2 || d[1] != colorxform.CurveCoefficients {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "harmonize", Shapes: [][]int{d}, Reason: "coefficients must be [N,12]"})
	}
	curved, err := colorxform.ApplyColorCurve(composite, Slice(coeffs, AxisRange(0, 1)))
	if err != nil {
		return nil, err
	}

	return &Result{
		Output:       colorxform.Composite(curved, image, mask),
		Intermediate: composite,
		Embedding:    embedding,
		Coefficients: coeffs,
	}, nil
}

// Loss is the weighted L1 distance of the final and intermediate composites to
// target. A zero weight drops its term from the graph.
func Loss(w Weights, res *Result, target *Node) (*Node, error) {
	out, want := res.Output.Shape().Dimensions, target.Shape().Dimensions
	if !res.Output.Shape().Equal(target.Shape()) {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "loss", Shapes: [][]int{out, want}, Reason: "target must match output"})
	}
	loss := MulScalar(engine.L1(res.Output, target), w.Final)
	if w.Intermediate != 0 {
		loss = Add(loss, MulScalar(engine.L1(res.Intermediate, target), w.Intermediate))
	}
	return loss, nil
}
