package engine

import (
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"harmony-forge/internal/tensor"
)

// UniformInit fills a new tensor with U(-bound, bound) draws from rng.
func UniformInit(rng *rand.Rand, bound float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	d := t.Data()
	for i := range d {
		d[i] = (2*rng.Float64() - 1) * bound
	}
	return t
}

// FanInBound is the default init bound 1/sqrt(fanIn).
func FanInBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}

// NewVariable creates name under ctx holding a copy of t.
func NewVariable(ctx *context.Context, name string, t *tensor.Tensor) (v *context.Variable, err error) {
	err = Try(func() { v = ctx.VariableWithValue(name, ToGraph(t)) })
	return v, err
}

// ChannelsLast turns [N,C,H,W] into [N,H,W,C].
func ChannelsLast(x *Node) *Node { return TransposeAllDims(x, 0, 2, 3, 1) }

// ChannelsFirst turns [N,H,W,C] into [N,C,H,W].
func ChannelsFirst(x *Node) *Node { return TransposeAllDims(x, 0, 3, 1, 2) }

// Conv2D convolves channels-last x with kernel [k,k,in,out] using SAME
// padding, then adds bias [out] when it is not nil.
func Conv2D(x, kernel, bias *Node, stride int) *Node {
	y := Convolve(x, kernel).Strides(stride).PadSame().Done()
	if bias == nil {
		return y
	}
	out := bias.Shape().Dimensions[0]
	return Add(y, BroadcastToDims(Reshape(bias, 1, 1, 1, out), y.Shape().Dimensions...))
}

// Dense computes x [N,in] times w [in,out] plus b [out].
func Dense(x, w, b *Node) *Node {
	n, in := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	out := w.Shape().Dimensions[1]
	prod := Mul(
		BroadcastToDims(Reshape(x, n, in, 1), n, in, out),
		BroadcastToDims(Reshape(w, 1, in, out), n, in, out),
	)
	return Add(ReduceSum(prod, 1), BroadcastToDims(Reshape(b, 1, out), n, out))
}

// LeakyReLU with a slope below one.
func LeakyReLU(x *Node, slope float64) *Node {
	return Max(x, MulScalar(x, slope))
}

// L1 is mean(|a-b|).
func L1(a, b *Node) *Node {
	return ReduceAllMean(Abs(Sub(a, b)))
}
