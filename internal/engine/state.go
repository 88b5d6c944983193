package engine

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const scopeSeparator = "/"

// Value is the host copy of one variable. Float variables fill Float and
// integer ones (step counters) fill Int.
type Value struct {
	Shape []int
	Float []float64
	Int   []int64
}

func (v Value) tensor() *tensors.Tensor {
	if v.Int != nil {
		return tensors.FromFlatDataAndDimensions(append([]int64(nil), v.Int...), v.Shape...)
	}
	return tensors.FromFlatDataAndDimensions(append([]float64(nil), v.Float...), v.Shape...)
}

// State maps "<scope>/<name>" to variable values.
type State map[string]Value

// Keys returns the variable keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key joins a variable scope and name.
func Key(scope, name string) string {
	if strings.HasSuffix(scope, scopeSeparator) {
		return scope + name
	}
	return scope + scopeSeparator + name
}

// VariableKey is Key for an existing variable.
func VariableKey(v *context.Variable) string { return Key(v.Scope(), v.Name()) }

// Read copies the current value of v.
func Read(v *context.Variable) (Value, error) {
	var out Value
	err := Try(func() {
		t := v.Value()
		out.Shape = append([]int(nil), t.Shape().Dimensions...)
		out.Float, out.Int = flatten(t.Value())
	})
	return out, errors.Wrapf(err, "engine: read %s", VariableKey(v))
}

// Snapshot copies every variable of ctx for which keep returns true; a nil
// keep takes them all.
func Snapshot(ctx *context.Context, keep func(key string) bool) (State, error) {
	st := make(State)
	var firstErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		key := VariableKey(v)
		if firstErr != nil || (keep != nil && !keep(key)) {
			return
		}
		val, err := Read(v)
		if err != nil {
			firstErr = err
			return
		}
		st[key] = val
	})
	return st, firstErr
}

// InScope returns a Snapshot filter selecting keys under scope.
func InScope(scope string) func(string) bool {
	prefix := strings.TrimSuffix(scope, scopeSeparator) + scopeSeparator
	return func(key string) bool { return strings.HasPrefix(key, prefix) }
}

// Pending hands stored values to variables created after a restore, such as
// optimizer moments that only appear when the training graph is first built.
// It implements context.Loader.
type Pending struct {
	mu     sync.Mutex
	values State
}

// LoadVariable implements context.Loader.
func (p *Pending) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key(scope, name)
	v, ok := p.values[key]
	if !ok {
		return nil, false
	}
	delete(p.values, key)
	return v.tensor(), true
}

// DeleteVariable implements context.Loader.
func (p *Pending) DeleteVariable(_ *context.Context, scope, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, Key(scope, name))
	return nil
}

// Remaining returns the values not yet claimed by a variable, filtered by keep.
func (p *Pending) Remaining(keep func(string) bool) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(State)
	for k, v := range p.values {
		if keep == nil || keep(k) {
			out[k] = v
		}
	}
	return out
}

// Restore writes st into ctx. Existing variables are overwritten in place and
// must keep their shape; the rest wait in the returned Pending, which is
// installed as ctx's loader.
func Restore(ctx *context.Context, st State) (*Pending, error) {
	pending := &Pending{values: make(State, len(st))}
	for k, v := range st {
		pending.values[k] = v
	}
	var firstErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		key := VariableKey(v)
		val, ok := pending.values[key]
		if !ok || firstErr != nil {
			return
		}
		if want := v.Shape().Dimensions; !slices.Equal(want, val.Shape) {
			firstErr = errors.Errorf("engine: restore %s: stored shape %v, variable has %v", key, val.Shape, want)
			return
		}
		if err := Try(func() { v.SetValue(val.tensor()) }); err != nil {
			firstErr = errors.Wrapf(err, "engine: restore %s", key)
			return
		}
		delete(pending.values, key)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	ctx.SetLoader(pending)
	return pending, nil
}
