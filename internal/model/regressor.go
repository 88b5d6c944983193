package model

import (
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"harmony-forge/internal/colorxform"
	"harmony-forge/internal/engine"
	"harmony-forge/internal/tensor"
)

// Scope is where ConvRegressor keeps its variables.
const Scope = "/" + scopeName

const scopeName = "regressor"

const (
	embedInputs = 4
	colorInputs = 7
	leakySlope  = 0.2
	headScale   = 0.01
)

// Options configures a ConvRegressor.
type Options struct {
	Features int
	Width    int
	Seed     int64
}

// ConvRegressor is a pair of small convolutional trunks, one per head. Heads
// start at the identity: an untrained model predicts brightness, contrast and
// saturation of 1 and an identity color curve.
type ConvRegressor struct {
	features int
	embed    *trunk
	color    *trunk
}

// NewConvRegressor creates the model variables in ctx with seeded
// initialization.
func NewConvRegressor(ctx *context.Context, opts Options) (*ConvRegressor, error) {
	if opts.Features < 3 {
		return nil, errors.Errorf("model: features must be >= 3 (got %d)", opts.Features)
	}
	if opts.Width <= 0 {
		opts.Width = 16
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	root := ctx.In(scopeName)

	embedBias := make([]float64, opts.Features)
	embedBias[0], embedBias[1], embedBias[2] = 1, 1, 1

	embed, err := newTrunk(root.In("embed"), embedInputs, opts.Width, embedBias, rng)
	if err != nil {
		return nil, errors.Wrap(err, "model: embed head")
	}
	color, err := newTrunk(root.In("color"), colorInputs, opts.Width, colorxform.IdentityCurve(), rng)
	if err != nil {
		return nil, errors.Wrap(err, "model: color head")
	}
	return &ConvRegressor{features: opts.Features, embed: embed, color: color}, nil
}

// Features returns the embedding width.
func (m *ConvRegressor) Features() int { return m.features }

// Scope implements Regressor.
func (m *ConvRegressor) Scope() string { return Scope }

// Embed implements Regressor.
func (m *ConvRegressor) Embed(input *Node) *Node { return m.embed.forward(input) }

// ColorCoefficients implements Regressor.
func (m *ConvRegressor) ColorCoefficients(input *Node) *Node { return m.color.forward(input) }

type trunk struct {
	conv1W, conv1B *context.Variable
	conv2W, conv2B *context.Variable
	headW, headB   *context.Variable
}

func newTrunk(ctx *context.Context, in, width int, bias []float64, rng *rand.Rand) (*trunk, error) {
	conv1 := engine.FanInBound(in * 9)
	conv2 := engine.FanInBound(width * 9)
	head := engine.FanInBound(width * 2)
	specs := []struct {
		name string
		t    *tensor.Tensor
	}{
		{"conv1_weights", engine.UniformInit(rng, conv1, 3, 3, in, width)},
		{"conv1_biases", engine.UniformInit(rng, conv1, width)},
		{"conv2_weights", engine.UniformInit(rng, conv2, 3, 3, width, width*2)},
		{"conv2_biases", engine.UniformInit(rng, conv2, width*2)},
		{"head_weights", engine.UniformInit(rng, head*headScale, width*2, len(bias))},
		{"head_biases", tensor.FromData(append([]float64(nil), bias...), len(bias))},
	}
	vars := make([]*context.Variable, len(specs))
	for i, s := range specs {
		v, err := engine.NewVariable(ctx, s.name, s.t)
		if err != nil {
			return nil, err
		}
		vars[i] = v
	}
	return &trunk{
		conv1W: vars[0], conv1B: vars[1],
		conv2W: vars[2], conv2B: vars[3],
		headW: vars[4], headB: vars[5],
	}, nil
}

// forward maps [N,C,H,W] through two stride-2 convolutions, global average
// pooling and the linear head.
func (t *trunk) forward(x *Node) *Node {
	g := x.Graph()
	h := engine.ChannelsLast(x)
	h = engine.LeakyReLU(engine.Conv2D(h, t.conv1W.ValueGraph(g), t.conv1B.ValueGraph(g), 2), leakySlope)
	h = engine.LeakyReLU(engine.Conv2D(h, t.conv2W.ValueGraph(g), t.conv2B.ValueGraph(g), 2), leakySlope)
	pooled := ReduceMean(h, 1, 2)
	return engine.Dense(pooled, t.headW.ValueGraph(g), t.headB.ValueGraph(g))
}
