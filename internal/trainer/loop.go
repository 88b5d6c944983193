// Package trainer drives harmonization training: checkpoint restore, the
// epoch/batch loop, loss history and periodic snapshots.
package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"

	"harmony-forge/internal/checkpoint"
	"harmony-forge/internal/colorxform"
	"harmony-forge/internal/dataset"
	"harmony-forge/internal/harmonize"
	"harmony-forge/internal/imageio"
	"harmony-forge/internal/metrics"
	"harmony-forge/internal/tensor"
)

// ErrNotConfirmed is returned when a forced fresh start is not confirmed.
var ErrNotConfirmed = errors.New("trainer: training from scratch was not confirmed")

// LossPlotFile is written next to the loss history at checkpoint epochs.
const LossPlotFile = "loss.png"

// State tells how a Trainer was initialised.
type State int

const (
	Fresh State = iota
	Resumed
)

func (s State) String() string {
	if s == Resumed {
		return "resumed"
	}
	return "fresh"
}

// Batches is the data feed; *dataset.Loader implements it.
type Batches interface {
	Len() int
	Epoch(ctx context.Context, epoch int) (<-chan dataset.Batch, <-chan error)
}

// Critic scores harmonized outputs. It is consulted at checkpoint epochs
// only and never contributes to the loss; a failing critic is logged and
// skipped.
type Critic interface {
	Score(x *tensor.Tensor) (float64, error)
}

// Options captures the knobs of the training loop.
type Options struct {
	LogDir          string
	DebugDir        string
	Epochs          int
	CheckpointEvery int
	ForceRestart    bool
	Progress        bool
	Device          tensor.Device
}

// Deps are the collaborators of a Trainer. Critic and Confirm are optional;
// Confirm is required when Options.ForceRestart is set.
type Deps struct {
	Session *harmonize.Session
	Data    Batches
	Critic  Critic
	Confirm func() error
	Logger  *zap.Logger
}

// Trainer owns the optimisation state of one run.
type Trainer struct {
	opts    Options
	session *harmonize.Session
	data    Batches
	critic  Critic
	log     *zap.Logger

	history *metrics.LossHistory
	window  metrics.EpochWindow
	state   State
	start   int
}

// New restores the latest checkpoint under <LogDir>/checkpoints unless
// ForceRestart is set, in which case Confirm must approve starting over.
func New(opts Options, deps Deps) (*Trainer, error) {
	if opts.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if opts.CheckpointEvery <= 0 {
		return nil, errors.New("trainer: checkpoint interval must be > 0")
	}
	if deps.Session == nil || deps.Data == nil {
		return nil, errors.New("trainer: session and data are required")
	}
	if opts.DebugDir == "" {
		opts.DebugDir = filepath.Join(opts.LogDir, "debug")
	}
	if opts.Device.Kind == "" {
		opts.Device = tensor.CPU()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	t := &Trainer{
		opts:    opts,
		session: deps.Session,
		data:    deps.Data,
		critic:  deps.Critic,
		log:     deps.Logger,
		history: metrics.NewLossHistory(nil),
		start:   1,
	}

	for _, dir := range []string{t.checkpointDir(), opts.DebugDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "trainer: create output directory")
		}
	}

	if opts.ForceRestart {
		if deps.Confirm == nil {
			return nil, ErrNotConfirmed
		}
		if err := deps.Confirm(); err != nil {
			return nil, errors.Wrap(ErrNotConfirmed, err.Error())
		}
		t.log.Info("training from scratch")
		return t, nil
	}
	if err := t.restore(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) checkpointDir() string {
	return filepath.Join(t.opts.LogDir, "checkpoints")
}

func (t *Trainer) restore() error {
	path, _, err := checkpoint.Latest(t.checkpointDir())
	if errors.Is(err, checkpoint.ErrNotFound) {
		t.log.Info("no saved model found, training from scratch")
		return nil
	}
	if err != nil {
		return err
	}
	t.log.Info("found saved model", zap.String("path", path))
	rec, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := t.session.Restore(rec.Model, rec.Optimizer); err != nil {
		return errors.Wrapf(err, "restore from %s", path)
	}
	history, err := metrics.LoadLossHistory(filepath.Join(t.opts.LogDir, metrics.LossFile))
	if err != nil {
		return err
	}
	// Epochs finished after the checkpoint are trained again, so their losses go.
	if !history.Truncate(rec.Batches) {
		t.log.Warn("loss history is shorter than the checkpoint",
			zap.Int("recorded", history.Len()),
			zap.Int("expected", rec.Batches),
		)
	}
	steps, err := t.session.Steps()
	if err != nil {
		return err
	}
	t.history = history
	t.state = Resumed
	t.start = rec.Epoch + 1
	t.log.Info("finished restoring model",
		zap.Int("resume_epoch", t.start),
		zap.Int64("optimizer_steps", steps),
		zap.Int("loss_history", history.Len()),
	)
	return nil
}

// State reports whether the trainer resumed from a checkpoint.
func (t *Trainer) State() State { return t.state }

// StartEpoch is the first epoch Run will execute.
func (t *Trainer) StartEpoch() int { return t.start }

// Session exposes the training session, mainly for inspection.
func (t *Trainer) Session() *harmonize.Session { return t.session }

// History returns the loss history of the run.
func (t *Trainer) History() *metrics.LossHistory { return t.history }

// Run trains from StartEpoch through Options.Epochs. Cancelling ctx stops
// between batches and returns the context error; the epoch in flight is
// neither logged nor checkpointed.
func (t *Trainer) Run(ctx context.Context) error {
	if t.start > t.opts.Epochs {
		t.log.Info("nothing to do", zap.Int("start_epoch", t.start), zap.Int("epochs", t.opts.Epochs))
		return nil
	}
	t.log.Info("training",
		zap.Stringer("state", t.state),
		zap.Int("start_epoch", t.start),
		zap.Int("epochs", t.opts.Epochs),
		zap.Int("batches_per_epoch", t.data.Len()),
		zap.Stringer("device", t.opts.Device),
	)

	if !t.opts.Progress {
		for epoch := t.start; epoch <= t.opts.Epochs; epoch++ {
			if err := t.runEpoch(ctx, epoch); err != nil {
				return err
			}
		}
		return nil
	}

	var runErr error
	err := tqdm.With(iterators.Interval(t.start, t.opts.Epochs+1), "Epoch", func(v interface{}) (brk bool) {
		if runErr = t.runEpoch(ctx, v.(int)); runErr != nil {
			return true
		}
		return false
	})
	if runErr != nil {
		return runErr
	}
	return errors.Wrap(err, "progress")
}

func (t *Trainer) runEpoch(parent context.Context, epoch int) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	checkpointEpoch := epoch%t.opts.CheckpointEvery == 0
	batches, errs := t.data.Epoch(ctx, epoch)
	first := t.history.Len()

	var last *harmonize.Outcome
	dataStart := time.Now()
	for {
		if err := parent.Err(); err != nil {
			return err
		}
		b, ok := <-batches
		if !ok {
			break
		}
		dataTime := time.Since(dataStart)

		computeStart := time.Now()
		res, err := t.session.TrainStep(b.Image, b.Mask, b.Target)
		if err != nil {
			return errors.Wrapf(err, "epoch %d batch %d", epoch, b.Index)
		}
		t.history.Append(res.Loss)
		t.window.Record(b.Size(), dataTime, time.Since(computeStart), res.Loss)

		if checkpointEpoch {
			if err := t.saveDebug(b.Index, res); err != nil {
				return err
			}
		}
		last = res
		dataStart = time.Now()
	}
	if err := <-errs; err != nil {
		return errors.Wrapf(err, "epoch %d", epoch)
	}
	if err := parent.Err(); err != nil {
		return err
	}
	if last == nil {
		return errors.Errorf("epoch %d produced no batches", epoch)
	}

	curve := colorxform.ReadCurve(last.Coefficients)
	snap := t.window.Snapshot()
	t.log.Info(fmt.Sprintf("E: %d. L: %f", epoch, last.Loss),
		zap.Int("epoch", epoch),
		zap.Float64("loss", last.Loss),
		zap.Float64("mean_loss", snap.MeanLoss),
		zap.Float64("brightness", last.Brightness),
		zap.Float64("contrast", last.Contrast),
		zap.Float64("saturation", last.Saturation),
		zap.Float64("curve_r", curve.Linear[0]),
		zap.Float64("curve_g", curve.Linear[1]),
		zap.Float64("curve_b", curve.Linear[2]),
		zap.Float64("images_per_sec", snap.ImagesPerSec),
		zap.Float64("data_ms", snap.AvgDataMS),
		zap.Float64("compute_ms", snap.AvgComputeMS),
		zap.Float64("data_fraction", snap.DataFraction),
	)

	if err := t.history.Save(filepath.Join(t.opts.LogDir, metrics.LossFile)); err != nil {
		return err
	}
	if checkpointEpoch {
		return t.checkpoint(epoch, first, last)
	}
	return nil
}

func (t *Trainer) saveDebug(index int, res *harmonize.Outcome) error {
	out := filepath.Join(t.opts.DebugDir, fmt.Sprintf("tmp%d.jpg", index))
	if err := imageio.Save(res.Output, out); err != nil {
		return err
	}
	inter := filepath.Join(t.opts.DebugDir, fmt.Sprintf("tmp%d_inter.jpg", index))
	return imageio.Save(res.Intermediate, inter)
}

func (t *Trainer) checkpoint(epoch, first int, last *harmonize.Outcome) error {
	modelState, err := t.session.ModelState()
	if err != nil {
		return err
	}
	optState, err := t.session.OptimizerState()
	if err != nil {
		return err
	}
	path := checkpoint.Path(t.checkpointDir(), epoch)
	rec := &checkpoint.Record{
		Epoch:     epoch,
		Batches:   t.history.Len(),
		Model:     modelState,
		Optimizer: optState,
	}
	if err := checkpoint.Save(path, rec); err != nil {
		return err
	}

	fields := []zap.Field{zap.Int("epoch", epoch), zap.String("path", path)}
	if sum, err := metrics.Summarize(t.history.Since(first)); err == nil {
		fields = append(fields,
			zap.Float64("epoch_loss_mean", sum.Mean),
			zap.Float64("epoch_loss_median", sum.Median),
			zap.Float64("epoch_loss_max", sum.Max),
		)
	}
	if t.critic != nil {
		if score, err := t.critic.Score(last.Output); err != nil {
			t.log.Warn("critic failed", zap.Int("epoch", epoch), zap.Error(err))
		} else {
			fields = append(fields, zap.Float64("critic_score", score))
		}
	}
	t.log.Info("checkpoint saved", fields...)

	if err := t.history.Plot(filepath.Join(t.opts.LogDir, LossPlotFile), "harmonization loss"); err != nil {
		t.log.Warn("loss plot failed", zap.Error(err))
	}
	return nil
}
