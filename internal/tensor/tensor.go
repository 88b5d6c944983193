// Package tensor holds dense row-major float64 buffers used to move images and
// batches between the data pipeline, the compute graph and the image writers.
// All arithmetic runs on the graph; this package only stores, indexes and
// compares values.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ShapeError reports operands whose shapes cannot be combined.
type ShapeError struct {
	Op     string
	Shapes [][]int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s: shape mismatch %v: %s", e.Op, e.Shapes, e.Reason)
}

// Tensor is a packed n-dimensional array.
type Tensor struct {
	data  []float64
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(&ShapeError{Op: "New", Shapes: [][]int{shape}, Reason: "negative dimension"})
		}
		n *= d
	}
	return n
}

// New returns a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{data: make([]float64, numel(shape)), shape: append([]int(nil), shape...)}
}

// FromData wraps data without copying. It panics with a *ShapeError when the
// length does not match the shape.
func FromData(data []float64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(&ShapeError{Op: "FromData", Shapes: [][]int{shape}, Reason: fmt.Sprintf("%d values", len(data))})
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}
}

// Full returns a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Values returns a copy of the elements in row-major order.
func (t *Tensor) Values() []float64 { return append([]float64(nil), t.data...) }

func (t *Tensor) index(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(&ShapeError{Op: "index", Shapes: [][]int{t.shape}, Reason: fmt.Sprintf("%d indices", len(idx))})
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(&ShapeError{Op: "index", Shapes: [][]int{t.shape}, Reason: fmt.Sprintf("index %d out of range on axis %d", v, i)})
		}
		off = off*t.shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.index(idx)] }

// Set stores v at idx.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.index(idx)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: t.Values(), shape: t.Shape()}
}

// Apply returns a new tensor with fn applied elementwise.
func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	out := New(t.shape...)
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return out
}

// Element returns batch element i of a tensor with at least one axis, sharing
// storage with t.
func (t *Tensor) Element(i int) *Tensor {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(&ShapeError{Op: "Element", Shapes: [][]int{t.shape}, Reason: fmt.Sprintf("no element %d", i)})
	}
	per := len(t.data) / t.shape[0]
	return &Tensor{data: t.data[i*per : (i+1)*per], shape: append([]int(nil), t.shape[1:]...)}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact equality of shape and values.
func Equal(a, b *Tensor) bool {
	return SameShape(a, b) && floats.Equal(a.data, b.data)
}

// AllClose reports equal shapes and |a-b| <= tol everywhere.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}
