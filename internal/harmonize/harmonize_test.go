package harmonize

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harmony-forge/internal/colorxform"
	"harmony-forge/internal/engine"
	"harmony-forge/internal/model"
	"harmony-forge/internal/tensor"
)

// fixedRegressor returns learnable but input-independent predictions.
type fixedRegressor struct {
	embedding *context.Variable
	curve     *context.Variable
}

func newFixed(t *testing.T, ctx *context.Context, embedding, curve []float64) *fixedRegressor {
	t.Helper()
	scope := ctx.In("fixed")
	e, err := engine.NewVariable(scope, "embedding", tensor.FromData(append([]float64(nil), embedding...), 1, len(embedding)))
	require.NoError(t, err)
	c, err := engine.NewVariable(scope, "curve", tensor.FromData(append([]float64(nil), curve...), 1, len(curve)))
	require.NoError(t, err)
	return &fixedRegressor{embedding: e, curve: c}
}

func (f *fixedRegressor) Scope() string { return "/fixed" }

func (f *fixedRegressor) Embed(input *Node) *Node {
	return f.perImage(f.embedding, input)
}

func (f *fixedRegressor) ColorCoefficients(input *Node) *Node {
	return f.perImage(f.curve, input)
}

func (f *fixedRegressor) perImage(v *context.Variable, input *Node) *Node {
	x := v.ValueGraph(input.Graph())
	return BroadcastToDims(x, input.Shape().Dimensions[0], x.Shape().Dimensions[1])
}

var _ model.Regressor = (*fixedRegressor)(nil)

func randomImage(seed int64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := tensor.New(shape...)
	d := t.Data()
	for i := range d {
		d[i] = rng.Float64()
	}
	return t
}

func newBackend(t *testing.T) engine.Backend {
	t.Helper()
	b, err := engine.NewBackend(tensor.CPU())
	require.NoError(t, err)
	return b
}

// forward evaluates the pipeline once and returns output, intermediate,
// embedding and the curve applied to the intermediate.
func forward(t *testing.T, ctx *context.Context, r model.Regressor, image, mask *tensor.Tensor) []*tensor.Tensor {
	t.Helper()
	outs, err := engine.Eval(newBackend(t), ctx, func(_ *context.Context, in []*Node) []*Node {
		res, err := Forward(r, in[0], in[1])
		require.NoError(t, err)
		curved, err := colorxform.ApplyColorCurve(res.Intermediate, Slice(res.Coefficients, AxisRange(0, 1)))
		require.NoError(t, err)
		return []*Node{res.Output, res.Intermediate, res.Embedding, curved}
	}, image, mask)
	require.NoError(t, err)
	return outs
}

func TestHalfBrightnessWhiteImage(t *testing.T) {
	ctx := context.New()
	r := newFixed(t, ctx, []float64{0.5, 1, 1}, colorxform.IdentityCurve())
	outs := forward(t, ctx, r, tensor.Full(1, 1, 3, 2, 2), tensor.Full(1, 1, 1, 2, 2))
	for _, v := range outs[0].Values() {
		assert.InDelta(t, 0.5, v, 1e-12)
	}
	assert.Equal(t, []float64{0.5, 1, 1}, outs[2].Values())
}

func TestUnmaskedPixelsAreUntouched(t *testing.T) {
	ctx := context.New()
	r := newFixed(t, ctx, []float64{1.7, 0.4, 2.3}, []float64{9, 0.3, 1.1, -0.6, 9, 2, -1, 0.5, 9, 0.9, 0.2, 0.1})
	img := randomImage(1, 2, 3, 4, 4)
	maskData := make([]float64, 2*16)
	for i := range maskData {
		if i%3 == 0 {
			maskData[i] = 1
		}
	}
	mask := tensor.FromData(maskData, 2, 1, 4, 4)

	outs := forward(t, ctx, r, img, mask)
	out, inter, curved := outs[0], outs[1], outs[3]
	for n := 0; n < 2; n++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				for c := 0; c < 3; c++ {
					if mask.At(n, 0, y, x) == 0 {
						require.Equal(t, img.At(n, c, y, x), out.At(n, c, y, x))
						require.Equal(t, img.At(n, c, y, x), inter.At(n, c, y, x))
					} else {
						require.Equal(t, curved.At(n, c, y, x), out.At(n, c, y, x))
					}
				}
			}
		}
	}
}

func TestValidateRejectsShapeMismatch(t *testing.T) {
	cases := map[string][2][]int{
		"spatial":  {{1, 3, 4, 4}, {1, 1, 4, 5}},
		"batch":    {{2, 3, 4, 4}, {1, 1, 4, 4}},
		"channels": {{1, 4, 4, 4}, {1, 1, 4, 4}},
		"mask":     {{1, 3, 4, 4}, {1, 3, 4, 4}},
		"rank":     {{3, 4, 4}, {1, 1, 4, 4}},
	}
	for name, c := range cases {
		var se *tensor.ShapeError
		require.ErrorAs(t, Validate(c[0], c[1]), &se, name)
	}
	require.NoError(t, Validate([]int{2, 3, 4, 5}, []int{2, 1, 4, 5}))
}

func TestLossWeights(t *testing.T) {
	ctx := context.New()
	r := newFixed(t, ctx, []float64{0.5, 1, 1}, colorxform.IdentityCurve())
	image := tensor.Full(1, 1, 3, 2, 2)
	mask := tensor.Full(1, 1, 1, 2, 2)

	var mismatch error
	outs, err := engine.Eval(newBackend(t), ctx, func(_ *context.Context, in []*Node) []*Node {
		res, err := Forward(r, in[0], in[1])
		require.NoError(t, err)
		def, err := Loss(DefaultWeights(), res, in[0])
		require.NoError(t, err)
		both, err := Loss(Weights{Final: 2, Intermediate: 3}, res, in[0])
		require.NoError(t, err)
		_, mismatch = Loss(DefaultWeights(), res, in[2])
		return []*Node{def, both}
	}, image, mask, tensor.New(1, 3, 2, 3))
	require.NoError(t, err)
	assert.InDelta(t, 2*0.5, outs[0].Data()[0], 1e-12)
	assert.InDelta(t, 2*0.5+3*0.5, outs[1].Data()[0], 1e-12)
	var se *tensor.ShapeError
	assert.ErrorAs(t, mismatch, &se)
}

func TestTrainStepLearnsBrightness(t *testing.T) {
	ctx := context.New()
	r := newFixed(t, ctx, []float64{0.5, 1, 1}, colorxform.IdentityCurve())
	s, err := NewSession(newBackend(t), ctx, r, SessionOptions{LearningRate: 0.02, Weights: DefaultWeights()})
	require.NoError(t, err)

	image := tensor.Full(0.4, 1, 3, 2, 2)
	mask := tensor.Full(1, 1, 1, 2, 2)
	target := tensor.Full(0.6, 1, 3, 2, 2)

	first, err := s.TrainStep(image, mask, target)
	require.NoError(t, err)
	assert.Equal(t, 0.5, first.Brightness)
	assert.Equal(t, colorxform.IdentityCurve(), first.Coefficients)
	var last *Outcome
	for i := 0; i < 100; i++ {
		last, err = s.TrainStep(image, mask, target)
		require.NoError(t, err)
	}
	assert.Less(t, last.Loss, first.Loss)
	assert.Greater(t, last.Brightness, first.Brightness)
	steps, err := s.Steps()
	require.NoError(t, err)
	assert.Equal(t, int64(101), steps)

	// The constant curve terms receive no gradient, so Adam never moves them.
	curve, err := engine.Read(r.curve)
	require.NoError(t, err)
	for k := 0; k < 3; k++ {
		assert.Zero(t, curve.Float[k*colorxform.CoefficientsPerChannel])
	}
}

func TestTrainStepRejectsShapeMismatch(t *testing.T) {
	ctx := context.New()
	r := newFixed(t, ctx, []float64{1, 1, 1}, colorxform.IdentityCurve())
	s, err := NewSession(newBackend(t), ctx, r, SessionOptions{LearningRate: 0.01, Weights: DefaultWeights()})
	require.NoError(t, err)
	var se *tensor.ShapeError
	_, err = s.TrainStep(tensor.New(1, 3, 4, 4), tensor.New(1, 1, 2, 2), tensor.New(1, 3, 4, 4))
	require.ErrorAs(t, err, &se)
	_, err = s.TrainStep(tensor.New(1, 3, 4, 4), tensor.New(1, 1, 4, 4), tensor.New(1, 3, 4, 2))
	require.ErrorAs(t, err, &se)

	_, err = NewSession(newBackend(t), ctx, r, SessionOptions{})
	require.Error(t, err)
}

func TestRestoreResumesBitExact(t *testing.T) {
	image := randomImage(3, 1, 3, 4, 4)
	mask := tensor.Full(1, 1, 1, 4, 4)
	target := randomImage(4, 1, 3, 4, 4)
	opts := SessionOptions{LearningRate: 0.05, Weights: DefaultWeights()}

	ctxA := context.New()
	a, err := NewSession(newBackend(t), ctxA, newFixed(t, ctxA, []float64{0.9, 1, 1}, colorxform.IdentityCurve()), opts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = a.TrainStep(image, mask, target)
		require.NoError(t, err)
	}
	modelState, err := a.ModelState()
	require.NoError(t, err)
	optState, err := a.OptimizerState()
	require.NoError(t, err)
	assert.Len(t, modelState, 2)
	assert.NotEmpty(t, optState)

	ctxB := context.New()
	b, err := NewSession(newBackend(t), ctxB, newFixed(t, ctxB, []float64{3, 3, 3}, colorxform.IdentityCurve()), opts)
	require.NoError(t, err)
	require.NoError(t, b.Restore(modelState, optState))

	gotModel, err := b.ModelState()
	require.NoError(t, err)
	assert.Equal(t, modelState, gotModel)
	gotOpt, err := b.OptimizerState()
	require.NoError(t, err)
	assert.Equal(t, optState, gotOpt)
	steps, err := b.Steps()
	require.NoError(t, err)
	assert.Equal(t, int64(3), steps)

	wantNext, err := a.TrainStep(image, mask, target)
	require.NoError(t, err)
	gotNext, err := b.TrainStep(image, mask, target)
	require.NoError(t, err)
	assert.Equal(t, wantNext.Loss, gotNext.Loss)
	assert.Equal(t, wantNext.Output.Values(), gotNext.Output.Values())
}

func TestRestoreRejectsForeignModelKeys(t *testing.T) {
	ctx := context.New()
	s, err := NewSession(newBackend(t), ctx, newFixed(t, ctx, []float64{1, 1, 1}, colorxform.IdentityCurve()), SessionOptions{LearningRate: 0.01})
	require.NoError(t, err)
	err = s.Restore(engine.State{"/other/w": {Shape: []int{1}, Float: []float64{1}}}, nil)
	assert.Error(t, err)
}
