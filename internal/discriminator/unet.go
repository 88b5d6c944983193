// Package discriminator implements a U-Net critic with spectrally normalised
// convolutions. It scores every pixel of an image for realism.
package discriminator

import (
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"harmony-forge/internal/engine"
	"harmony-forge/internal/tensor"
)

const (
	leakySlope = 0.2
	minSize    = 8
	scopeName  = "unet"
)

// Options configures UNetSN.
type Options struct {
	InputChannels  int
	Channels       int
	SkipConnection bool
	Seed           int64
}

// DefaultOptions matches the reference critic: RGB input, 64 base channels
// and skip connections on.
func DefaultOptions() Options {
	return Options{InputChannels: 3, Channels: 64, SkipConnection: true}
}

// UNetSN is an encoder/decoder critic. The encoder halves resolution three
// times, the decoder resizes back to each encoder scale and optionally adds
// the matching encoder activation.
type UNetSN struct {
	opts   Options
	ctx    *context.Context
	layers [10]*conv
	score  *engine.Program
}

// New builds the network with its own variable context and compiles Score.
func New(backend engine.Backend, opts Options) (*UNetSN, error) {
	if opts.InputChannels <= 0 || opts.Channels <= 0 {
		return nil, errors.Errorf("discriminator: channels must be positive (input %d, base %d)", opts.InputChannels, opts.Channels)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	d := &UNetSN{opts: opts, ctx: context.New()}
	root := d.ctx.In(scopeName)
	c := opts.Channels
	specs := [10]struct {
		in, out, k, stride int
		sn                 bool
	}{
		{opts.InputChannels, c, 3, 1, false},
		{c, c * 2, 4, 2, true},
		{c * 2, c * 4, 4, 2, true},
		{c * 4, c * 8, 4, 2, true},
		{c * 8, c * 4, 3, 1, true},
		{c * 4, c * 2, 3, 1, true},
		{c * 2, c, 3, 1, true},
		{c, c, 3, 1, true},
		{c, c, 3, 1, true},
		{c, 1, 3, 1, false},
	}
	for i, s := range specs {
		l, err := newConv(root.Inf("conv%d", i), s.in, s.out, s.k, s.stride, s.sn, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "discriminator: conv%d", i)
		}
		d.layers[i] = l
	}

	score, err := engine.Compile(backend, d.ctx, func(ctx *context.Context, in []*Node) []*Node {
		logits, err := d.Forward(ctx, in[0])
		if err != nil {
			panic(err)
		}
		return []*Node{ReduceAllMean(logits)}
	})
	if err != nil {
		return nil, err
	}
	d.score = score
	return d, nil
}

func (d *UNetSN) checkInput(dims []int) error {
	if len(dims) != 4 || dims[1] != d.opts.InputChannels {
		return errors.WithStack(&tensor.ShapeError{Op: "discriminator", Shapes: [][]int{dims}, Reason: "input must be [N,C,H,W] with the configured channel count"})
	}
	if dims[2] < minSize || dims[3] < minSize {
		return errors.WithStack(&tensor.ShapeError{Op: "discriminator", Shapes: [][]int{dims}, Reason: "input must be at least 8x8"})
	}
	return nil
}

// Forward maps x [N,C,H,W] to per-pixel logits [N,1,H,W]. In a training graph
// (ctx.IsTraining) every spectrally normalised layer refines its power
// iteration vectors.
func (d *UNetSN) Forward(ctx *context.Context, x *Node) (*Node, error) {
	if err := d.checkInput(x.Shape().Dimensions); err != nil {
		return nil, err
	}
	training := ctx.IsTraining(x.Graph())
	act := func(i int, in *Node) *Node {
		return engine.LeakyReLU(d.layers[i].forward(in, training), leakySlope)
	}
	resize := func(x, like *Node) *Node {
		dims := like.Shape().Dimensions
		return Interpolate(x, dims[0], dims[1], dims[2], x.Shape().Dimensions[3]).
			Bilinear().HalfPixelCenters(true).Done()
	}

	h := engine.ChannelsLast(x)
	x0 := act(0, h)
	x1 := act(1, x0)
	x2 := act(2, x1)
	x3 := act(3, x2)

	x4 := act(4, resize(x3, x2))
	if d.opts.SkipConnection {
		x4 = Add(x4, x2)
	}
	x5 := act(5, resize(x4, x1))
	if d.opts.SkipConnection {
		x5 = Add(x5, x1)
	}
	x6 := act(6, resize(x5, x0))
	if d.opts.SkipConnection {
		x6 = Add(x6, x0)
	}

	out := act(7, x6)
	out = act(8, out)
	return engine.ChannelsFirst(d.layers[9].forward(out, training)), nil
}

// Score returns the mean logit over all pixels of x. It runs in inference
// mode and leaves the power-iteration vectors untouched.
func (d *UNetSN) Score(x *tensor.Tensor) (float64, error) {
	if err := d.checkInput(x.Shape()); err != nil {
		return 0, err
	}
	outs, err := d.score.Run(x)
	if err != nil {
		return 0, errors.Wrap(err, "discriminator: score")
	}
	return outs[0].Data()[0], nil
}
