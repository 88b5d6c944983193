// Package colorxform provides differentiable tonal adjustments, the per-channel
// cubic color curve and mask compositing over [N,C,H,W] graph nodes.
//
// None of the operators clamp their result except ApplyColorCurve.
package colorxform

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"

	"harmony-forge/internal/tensor"
)

// Luma weights used for grayscale projection (ITU-R BT.601).
const (
	LumaR = 0.2989
	LumaG = 0.587
	LumaB = 0.114
)

func channel(img *Node, c int) *Node {
	return Slice(img, AxisRange(), AxisRange(c, c+1))
}

// blend returns factor*a + (1-factor)*b; b is broadcast to a's shape.
func blend(a, b, factor *Node) *Node {
	b = BroadcastToDims(b, a.Shape().Dimensions...)
	return Add(Mul(a, factor), Mul(b, OneMinus(factor)))
}

// Grayscale projects an RGB image [N,3,H,W] onto its luma, [N,1,H,W].
func Grayscale(img *Node) *Node {
	r := MulScalar(channel(img, 0), LumaR)
	g := MulScalar(channel(img, 1), LumaG)
	b := MulScalar(channel(img, 2), LumaB)
	return Add(Add(r, g), b)
}

// AdjustBrightness scales pixel intensities by the scalar factor.
func AdjustBrightness(img, factor *Node) *Node {
	return Mul(img, factor)
}

// AdjustContrast blends img with the per-image mean of its luma.
func AdjustContrast(img, factor *Node) *Node {
	mean := ReduceAndKeep(Grayscale(img), ReduceMean, 1, 2, 3)
	return blend(img, mean, factor)
}

// AdjustSaturation blends img with its luma.
func AdjustSaturation(img, factor *Node) *Node {
	return blend(img, Grayscale(img), factor)
}

// Composite returns fg*mask + bg*(1-mask). Where mask is exactly 0 the result
// equals bg and where it is exactly 1 it equals fg.
func Composite(fg, bg, mask *Node) *Node {
	mask = BroadcastToDims(mask, fg.Shape().Dimensions...)
	return Add(Mul(fg, mask), Mul(bg, OneMinus(mask)))
}

// CoefficientsPerChannel is the number of curve coefficients for one channel:
// constant, linear, quadratic, cubic.
const CoefficientsPerChannel = 4

// CurveCoefficients is the number of coefficients ApplyColorCurve consumes.
const CurveCoefficients = 3 * CoefficientsPerChannel

// ApplyColorCurve maps every channel x of img through
// clamp(d*x^3 + c*x^2 + b*x, 0, 1) with that channel's (b, c, d) taken from
// coeffs[4k+1 .. 4k+3]. The constant coefficient coeffs[4k] is not used: the
// curve always passes through the origin. Clamping happens once, on the sum.
func ApplyColorCurve(img, coeffs *Node) (*Node, error) {
	dims := img.Shape().Dimensions
	if len(dims) != 4 || dims[1] != 3 {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "ApplyColorCurve", Shapes: [][]int{dims}, Reason: "want [N,3,H,W]"})
	}
	if coeffs.Shape().Size() != CurveCoefficients {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "ApplyColorCurve", Shapes: [][]int{coeffs.Shape().Dimensions}, Reason: "want 12 coefficients"})
	}
	perChannel := Reshape(coeffs, 3, CoefficientsPerChannel)
	term := func(power int) *Node {
		col := Slice(perChannel, AxisRange(), AxisRange(power, power+1))
		return BroadcastToDims(Reshape(col, 1, 3, 1, 1), dims...)
	}
	x2 := Mul(img, img)
	x3 := Mul(x2, img)
	poly := Add(Add(Mul(x3, term(3)), Mul(x2, term(2))), Mul(img, term(1)))
	return ClipScalar(poly, 0, 1), nil
}

// IdentityCurve returns coefficients that leave [0,1] images unchanged.
func IdentityCurve() []float64 {
	out := make([]float64, CurveCoefficients)
	for k := 0; k < 3; k++ {
		out[k*CoefficientsPerChannel+1] = 1
	}
	return out
}

// Curve is the per-channel (linear, quadratic, cubic) view of a coefficient
// vector, used for progress reporting.
type Curve struct {
	Linear, Quadratic, Cubic [3]float64
}

// ReadCurve extracts the used coefficients from a 12-element vector.
func ReadCurve(coeffs []float64) Curve {
	var c Curve
	for k := 0; k < 3 && len(coeffs) >= (k+1)*CoefficientsPerChannel; k++ {
		base := k * CoefficientsPerChannel
		c.Linear[k] = coeffs[base+1]
		c.Quadratic[k] = coeffs[base+2]
		c.Cubic[k] = coeffs[base+3]
	}
	return c
}
