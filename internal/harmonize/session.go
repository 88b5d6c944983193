package harmonize

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"harmony-forge/internal/engine"
	"harmony-forge/internal/model"
	"harmony-forge/internal/tensor"
)

// Adam hyper-parameters other than the learning rate.
const (
	AdamBeta1   = 0.9
	AdamBeta2   = 0.999
	AdamEpsilon = 1e-8
)

// SessionOptions configures a Session.
type SessionOptions struct {
	LearningRate float64
	Weights      Weights
}

// Outcome is the host copy of one training step.
type Outcome struct {
	Output       *tensor.Tensor
	Intermediate *tensor.Tensor

	Brightness   float64
	Contrast     float64
	Saturation   float64
	Coefficients []float64
	Loss         float64
}

// Session owns the compiled training step of a regressor and the Adam state
// living next to the regressor's variables in the same context.
type Session struct {
	ctx     *context.Context
	reg     model.Regressor
	weights Weights
	opt     optimizers.Interface
	train   *engine.Program
	pending *engine.Pending
}

// NewSession compiles the training step over ctx, which must hold reg's
// variables.
func NewSession(backend engine.Backend, ctx *context.Context, reg model.Regressor, opts SessionOptions) (*Session, error) {
	if opts.LearningRate <= 0 {
		return nil, errors.New("harmonize: learning rate must be > 0")
	}
	s := &Session{
		ctx:     ctx,
		reg:     reg,
		weights: opts.Weights,
		opt: optimizers.Adam().
			LearningRate(opts.LearningRate).
			Betas(AdamBeta1, AdamBeta2).
			Epsilon(AdamEpsilon).
			Done(),
	}
	train, err := engine.Compile(backend, ctx, s.trainGraph)
	if err != nil {
		return nil, err
	}
	s.train = train
	return s, nil
}

func (s *Session) trainGraph(ctx *context.Context, in []*Node) []*Node {
	image, mask, target := in[0], in[1], in[2]
	g := image.Graph()
	ctx.SetTraining(g, true)
	res, err := Forward(s.reg, image, mask)
	if err != nil {
		panic(err)
	}
	loss, err := Loss(s.weights, res, target)
	if err != nil {
		panic(err)
	}
	s.opt.UpdateGraph(ctx, g, loss)
	return []*Node{res.Output, res.Intermediate, res.Embedding, res.Coefficients, loss}
}

// TrainStep runs one forward pass, backpropagates the loss and applies a
// single Adam update.
func (s *Session) TrainStep(image, mask, target *tensor.Tensor) (*Outcome, error) {
	if err := Validate(image.Shape(), mask.Shape()); err != nil {
		return nil, err
	}
	if !tensor.SameShape(image, target) {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "loss", Shapes: [][]int{image.Shape(), target.Shape()}, Reason: "target must match output"})
	}
	outs, err := s.train.Run(image, mask, target)
	if err != nil {
		return nil, errors.Wrap(err, "harmonize: train step")
	}
	emb, coeffs := outs[2], outs[3]
	return &Outcome{
		Output:       outs[0],
		Intermediate: outs[1],
		Brightness:   emb.At(0, 0),
		Contrast:     emb.At(0, 1),
		Saturation:   emb.At(0, 2),
		Coefficients: coeffs.Element(0).Values(),
		Loss:         outs[4].Data()[0],
	}, nil
}

// Steps is the number of optimizer updates applied so far, including those
// restored from a checkpoint.
func (s *Session) Steps() (int64, error) {
	var v *context.Variable
	if err := engine.Try(func() { v = optimizers.GetGlobalStepVar(s.ctx) }); err != nil {
		return 0, errors.Wrap(err, "harmonize: global step")
	}
	val, err := engine.Read(v)
	if err != nil {
		return 0, err
	}
	if len(val.Int) == 1 {
		return val.Int[0], nil
	}
	if len(val.Float) == 1 {
		return int64(val.Float[0]), nil
	}
	return 0, errors.Errorf("harmonize: global step has shape %v", val.Shape)
}

// ModelState snapshots the regressor variables.
func (s *Session) ModelState() (engine.State, error) {
	return engine.Snapshot(s.ctx, engine.InScope(s.reg.Scope()))
}

func (s *Session) notModel(key string) bool { return !engine.InScope(s.reg.Scope())(key) }

// OptimizerState snapshots everything that is not a regressor variable: Adam
// moments and the step counter. Values restored but not yet claimed by the
// training graph are included.
func (s *Session) OptimizerState() (engine.State, error) {
	st, err := engine.Snapshot(s.ctx, s.notModel)
	if err != nil {
		return nil, err
	}
	if s.pending != nil {
		for k, v := range s.pending.Remaining(s.notModel) {
			if _, ok := st[k]; !ok {
				st[k] = v
			}
		}
	}
	return st, nil
}

// Restore loads model and optimizer state saved by ModelState and
// OptimizerState.
func (s *Session) Restore(modelState, optimizerState engine.State) error {
	keep := engine.InScope(s.reg.Scope())
	all := make(engine.State, len(modelState)+len(optimizerState))
	for k, v := range modelState {
		if !keep(k) {
			return errors.Errorf("harmonize: model state key %s is outside %s", k, s.reg.Scope())
		}
		all[k] = v
	}
	for k, v := range optimizerState {
		all[k] = v
	}
	pending, err := engine.Restore(s.ctx, all)
	if err != nil {
		return err
	}
	if missing := pending.Remaining(keep); len(missing) > 0 {
		return errors.Errorf("harmonize: checkpoint has unknown model variables %v", missing.Keys())
	}
	s.pending = pending
	return nil
}
