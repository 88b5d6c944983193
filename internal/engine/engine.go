// Package engine connects host tensors and model state to the gomlx graph
// runtime. Backends, compiled programs and variable snapshots are created
// here so the model packages only deal with graph nodes.
package engine

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"harmony-forge/internal/tensor"
)

// Backend executes compiled graphs.
type Backend = backends.Backend

// NewBackend opens the graph backend serving dev.
func NewBackend(dev tensor.Device) (Backend, error) {
	b, err := backends.NewWithConfig(dev.Backend())
	if err != nil {
		return nil, errors.Wrapf(err, "engine: open backend for %s", dev)
	}
	return b, nil
}

// Try runs fn and turns a panic carrying an error into a returned error.
// Graph construction reports bad shapes this way.
func Try(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

// ToGraph copies t into a graph tensor of the same shape.
func ToGraph(t *tensor.Tensor) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(t.Values(), t.Shape()...)
}

// FromGraph copies a float graph tensor back to the host.
func FromGraph(t *tensors.Tensor) (*tensor.Tensor, error) {
	var flat []float64
	if err := Try(func() {
		fs, ints := flatten(t.Value())
		if ints != nil {
			fs = make([]float64, len(ints))
			for i, v := range ints {
				fs[i] = float64(v)
			}
		}
		flat = fs
	}); err != nil {
		return nil, errors.Wrap(err, "engine: read tensor")
	}
	if flat == nil {
		flat = []float64{}
	}
	return tensor.FromData(flat, t.Shape().Dimensions...), nil
}

// flatten walks the nested slices returned by Tensor.Value in row-major order.
// Exactly one of the results is non-nil for a non-empty value.
func flatten(v any) ([]float64, []int64) {
	var fs []float64
	var ints []int64
	var walk func(r reflect.Value)
	walk = func(r reflect.Value) {
		switch r.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < r.Len(); i++ {
				walk(r.Index(i))
			}
		case reflect.Float32, reflect.Float64:
			fs = append(fs, r.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			ints = append(ints, r.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			ints = append(ints, int64(r.Uint()))
		case reflect.Bool:
			var b int64
			if r.Bool() {
				b = 1
			}
			ints = append(ints, b)
		default:
			exceptions.Panicf("engine: unsupported element kind %s", r.Kind())
		}
	}
	walk(reflect.ValueOf(v))
	return fs, ints
}

// GraphFn builds a computation over ctx's variables.
type GraphFn = func(ctx *context.Context, inputs []*Node) []*Node

// Program is a compiled graph function bound to a context. Variables updated
// inside the graph are written back to the context after every run.
type Program struct {
	exec *context.Exec
}

// Compile prepares fn for execution. Compilation per input shape happens
// lazily on the first Run with those shapes.
func Compile(backend Backend, ctx *context.Context, fn GraphFn) (*Program, error) {
	var exec *context.Exec
	var buildErr error
	if err := Try(func() { exec, buildErr = context.NewExec(backend, ctx.Checked(false), fn) }); err != nil {
		return nil, errors.Wrap(err, "engine: compile")
	}
	if buildErr != nil {
		return nil, errors.Wrap(buildErr, "engine: compile")
	}
	return &Program{exec: exec}, nil
}

// Run executes the program on host inputs and copies every output back.
func (p *Program) Run(inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	args := make([]any, len(inputs))
	for i, in := range inputs {
		args[i] = ToGraph(in)
	}
	var outs []*tensors.Tensor
	var runErr error
	if err := Try(func() { outs, runErr = p.exec.Exec(args...) }); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	res := make([]*tensor.Tensor, len(outs))
	for i, o := range outs {
		t, err := FromGraph(o)
		if err != nil {
			return nil, err
		}
		res[i] = t
	}
	return res, nil
}

// Eval compiles fn over ctx and runs it once. A nil ctx gets a fresh one.
func Eval(backend Backend, ctx *context.Context, fn GraphFn, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if ctx == nil {
		ctx = context.New()
	}
	p, err := Compile(backend, ctx, fn)
	if err != nil {
		return nil, err
	}
	return p.Run(inputs...)
}
