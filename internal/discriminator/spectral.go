package discriminator

import (
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"gonum.org/v1/gonum/mat"

	"harmony-forge/internal/engine"
	"harmony-forge/internal/tensor"
)

const (
	snEps        = 1e-12
	snWarmupIter = 15
)

// conv is a convolution whose weight is optionally divided by an estimate of
// its largest singular value. The kernel [k,k,in,out] is viewed as the matrix
// [k*k*in, out]; u has out entries and v has k*k*in.
type conv struct {
	weight *context.Variable
	bias   *context.Variable
	u, v   *context.Variable
	stride int
}

// newConv creates the layer variables. Plain layers get a bias and a
// "weight"; spectrally normalised ones get "weight_orig" plus the power
// iteration vectors "weight_u" and "weight_v", warmed up on the host.
func newConv(ctx *context.Context, in, out, k, stride int, sn bool, rng *rand.Rand) (*conv, error) {
	bound := engine.FanInBound(in * k * k)
	w := engine.UniformInit(rng, bound, k, k, in, out)
	c := &conv{stride: stride}
	var err error
	if !sn {
		if c.weight, err = engine.NewVariable(ctx, "weight", w); err != nil {
			return nil, err
		}
		c.bias, err = engine.NewVariable(ctx, "bias", engine.UniformInit(rng, bound, out))
		return c, err
	}

	rows := k * k * in
	u, v := tensor.New(out), tensor.New(rows)
	for _, t := range []*tensor.Tensor{u, v} {
		d := t.Data()
		for i := range d {
			d[i] = rng.NormFloat64()
		}
		normalize(mat.NewVecDense(len(d), d))
	}
	powerIterate(mat.NewDense(rows, out, w.Data()), u, v, snWarmupIter)

	if c.weight, err = engine.NewVariable(ctx, "weight_orig", w); err != nil {
		return nil, err
	}
	if c.u, err = engine.NewVariable(ctx, "weight_u", u); err != nil {
		return nil, err
	}
	if c.v, err = engine.NewVariable(ctx, "weight_v", v); err != nil {
		return nil, err
	}
	c.u.SetTrainable(false)
	c.v.SetTrainable(false)
	return c, nil
}

func normalize(v *mat.VecDense) {
	n := mat.Norm(v, 2)
	v.ScaleVec(1/math.Max(n, snEps), v)
}

// powerIterate refines u and v in place against m = W viewed as [rows, out].
func powerIterate(m *mat.Dense, u, v *tensor.Tensor, n int) {
	uv := mat.NewVecDense(u.Size(), u.Data())
	vv := mat.NewVecDense(v.Size(), v.Data())
	for i := 0; i < n; i++ {
		vv.MulVec(m, uv)
		normalize(vv)
		uv.MulVec(m.T(), vv)
		normalize(uv)
	}
}

func normalizeNode(x *Node) *Node {
	norm := Sqrt(ReduceAllSum(Square(x)))
	return Div(x, Max(norm, Scalar(x.Graph(), x.DType(), snEps)))
}

// normalized returns W / sigma with sigma = sum(W * v u^T). u and v are
// constants to the gradient; in training graphs they first take one power
// iteration step and the refined vectors are stored back.
func (c *conv) normalized(w *Node, training bool) *Node {
	g := w.Graph()
	dims := w.Shape().Dimensions
	out := dims[3]
	rows := dims[0] * dims[1] * dims[2]
	m := Reshape(w, rows, out)
	u, v := c.u.ValueGraph(g), c.v.ValueGraph(g)
	if training {
		frozen := StopGradient(m)
		v = normalizeNode(ReduceSum(Mul(frozen, BroadcastToDims(Reshape(u, 1, out), rows, out)), 1))
		u = normalizeNode(ReduceSum(Mul(frozen, BroadcastToDims(Reshape(v, rows, 1), rows, out)), 0))
		c.u.SetValueGraph(u)
		c.v.SetValueGraph(v)
	}
	outer := StopGradient(Mul(
		BroadcastToDims(Reshape(v, rows, 1), rows, out),
		BroadcastToDims(Reshape(u, 1, out), rows, out),
	))
	sigma := ReduceAllSum(Mul(m, outer))
	return Div(w, sigma)
}

func (c *conv) forward(x *Node, training bool) *Node {
	g := x.Graph()
	w := c.weight.ValueGraph(g)
	if c.u != nil {
		w = c.normalized(w, training)
	}
	var b *Node
	if c.bias != nil {
		b = c.bias.ValueGraph(g)
	}
	return engine.Conv2D(x, w, b, c.stride)
}
