package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	arg "github.com/alexflint/go-arg"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"harmony-forge/internal/config"
	"harmony-forge/internal/dataset"
	"harmony-forge/internal/discriminator"
	"harmony-forge/internal/engine"
	"harmony-forge/internal/harmonize"
	"harmony-forge/internal/model"
	"harmony-forge/internal/trainer"
)

type args struct {
	Config       string  `arg:"--config" help:"path to YAML config"`
	DataDir      string  `arg:"--data-dir" help:"override data_dir"`
	Device       string  `arg:"--device" help:"compute device (cpu)"`
	LogDir       string  `arg:"--log-dir" help:"override log_dir"`
	DebugDir     string  `arg:"--debug-dir" help:"override debug_dir"`
	Features     int     `arg:"--features" help:"embedding width"`
	LearningRate float64 `arg:"--lr" help:"Adam learning rate"`
	BatchSize    int     `arg:"--batch-size" help:"samples per batch"`
	Epochs       int     `arg:"--epochs" help:"last epoch to train"`
	ImageSize    int     `arg:"--image-size" help:"square side images are resized to"`
	Seed         int64   `arg:"--seed" help:"PRNG seed"`
	Workers      int     `arg:"--workers" help:"sample decoding goroutines"`
	ForceRestart bool    `arg:"--force-restart" help:"ignore checkpoints and train from scratch"`
	Yes          bool    `arg:"-y,--yes" help:"do not prompt before training from scratch"`
	LogMode      string  `arg:"--log-mode" help:"development or release"`
}

func (args) Description() string {
	return "trains the harmonization regressor"
}

func newLogger(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	if mode == config.LogModeRelease {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// confirmOnStdin asks before an existing run is discarded.
func confirmOnStdin() error {
	fmt.Fprint(os.Stderr, "Training from scratch, existing checkpoints will be ignored. Continue? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "read answer")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("declined")
}

func main() {
	a := args{Config: "configs/harmony.yaml"}
	arg.MustParse(&a)

	cfg, err := config.Load(a.Config)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:      a.DataDir,
		Device:       a.Device,
		LogDir:       a.LogDir,
		DebugDir:     a.DebugDir,
		Features:     a.Features,
		LearningRate: a.LearningRate,
		BatchSize:    a.BatchSize,
		Epochs:       a.Epochs,
		ImageSize:    a.ImageSize,
		Seed:         a.Seed,
		Workers:      a.Workers,
		ForceRestart: a.ForceRestart,
		LogMode:      a.LogMode,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := newLogger(cfg.LogMode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, a.Yes, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("training interrupted")
			return
		}
		logger.Fatal("training failed", zap.Error(err))
	}
}

func run(cfg *config.Config, yes bool, logger *zap.Logger) error {
	device, err := cfg.ParsedDevice()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set, err := dataset.Open(ctx, cfg.DataDir, dataset.Options{ImageSize: cfg.ImageSize, Logger: logger})
	if err != nil {
		return err
	}
	loader, err := dataset.NewLoader(set, dataset.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return err
	}

	backend, err := engine.NewBackend(device)
	if err != nil {
		return err
	}
	vars := mlctx.New()
	regressor, err := model.NewConvRegressor(vars, model.Options{
		Features: cfg.Features,
		Width:    cfg.Width,
		Seed:     cfg.Seed,
	})
	if err != nil {
		return err
	}
	logger.Info("regressor ready", zap.String("device", device.String()), zap.Int("features", regressor.Features()))
	session, err := harmonize.NewSession(backend, vars, regressor, harmonize.SessionOptions{
		LearningRate: cfg.LearningRate,
		Weights: harmonize.Weights{
			Final:        cfg.FinalLossWeight,
			Intermediate: cfg.IntermediateLossWeight,
		},
	})
	if err != nil {
		return err
	}

	deps := trainer.Deps{Session: session, Data: loader, Logger: logger}
	if cfg.Discriminator.Enabled {
		opts := discriminator.DefaultOptions()
		opts.Channels = cfg.Discriminator.Channels
		opts.SkipConnection = cfg.Discriminator.SkipConnection
		opts.Seed = cfg.Seed
		critic, err := discriminator.New(backend, opts)
		if err != nil {
			return err
		}
		deps.Critic = critic
	}
	if yes {
		deps.Confirm = func() error { return nil }
	} else {
		deps.Confirm = confirmOnStdin
	}

	tr, err := trainer.New(trainer.Options{
		LogDir:          cfg.LogDir,
		DebugDir:        cfg.DebugDir,
		Epochs:          cfg.Epochs,
		CheckpointEvery: cfg.CheckpointEvery,
		ForceRestart:    cfg.ForceRestart,
		Progress:        cfg.Progress,
		Device:          device,
	}, deps)
	if err != nil {
		return err
	}
	return tr.Run(ctx)
}
