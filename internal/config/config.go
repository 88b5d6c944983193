package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"harmony-forge/internal/tensor"
)

// Log modes accepted by LogMode.
const (
	LogModeDevelopment = "development"
	LogModeRelease     = "release"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir  string `yaml:"data_dir" env:"HARMONY_DATA_DIR"`
	Device   string `yaml:"device" env:"HARMONY_DEVICE"`
	LogDir   string `yaml:"log_dir" env:"HARMONY_LOG_DIR"`
	DebugDir string `yaml:"debug_dir" env:"HARMONY_DEBUG_DIR"`

	Features int `yaml:"features" env:"HARMONY_FEATURES"`
	Width    int `yaml:"width" env:"HARMONY_WIDTH"`

	LearningRate           float64 `yaml:"learning_rate" env:"HARMONY_LEARNING_RATE"`
	BatchSize              int     `yaml:"batch_size" env:"HARMONY_BATCH_SIZE"`
	Epochs                 int     `yaml:"epochs" env:"HARMONY_EPOCHS"`
	ImageSize              int     `yaml:"image_size" env:"HARMONY_IMAGE_SIZE"`
	CheckpointEvery        int     `yaml:"checkpoint_every" env:"HARMONY_CHECKPOINT_EVERY"`
	FinalLossWeight        float64 `yaml:"final_loss_weight" env:"HARMONY_FINAL_LOSS_WEIGHT"`
	IntermediateLossWeight float64 `yaml:"intermediate_loss_weight" env:"HARMONY_INTERMEDIATE_LOSS_WEIGHT"`

	Seed         int64  `yaml:"seed" env:"HARMONY_SEED"`
	Workers      int    `yaml:"workers" env:"HARMONY_WORKERS"`
	ForceRestart bool   `yaml:"force_restart" env:"HARMONY_FORCE_RESTART"`
	Progress     bool   `yaml:"progress" env:"HARMONY_PROGRESS"`
	LogMode      string `yaml:"log_mode" env:"HARMONY_LOG_MODE"`

	Discriminator Discriminator `yaml:"discriminator"`
}

// Discriminator configures the optional critic scored at checkpoints.
type Discriminator struct {
	Enabled        bool `yaml:"enabled" env:"HARMONY_DISCRIMINATOR_ENABLED"`
	Channels       int  `yaml:"channels" env:"HARMONY_DISCRIMINATOR_CHANNELS"`
	SkipConnection bool `yaml:"skip_connection" env:"HARMONY_DISCRIMINATOR_SKIP_CONNECTION"`
}

// Default returns the settings of the reference training run.
func Default() *Config {
	return &Config{
		Device:                 "cpu",
		LogDir:                 "logs",
		Features:               3,
		Width:                  16,
		LearningRate:           2e-6,
		BatchSize:              1,
		Epochs:                 20000,
		ImageSize:              256,
		CheckpointEvery:        100,
		FinalLossWeight:        2,
		IntermediateLossWeight: 0,
		Seed:                   42,
		Workers:                1,
		Progress:               true,
		LogMode:                LogModeDevelopment,
		Discriminator: Discriminator{
			Channels:       64,
			SkipConnection: true,
		},
	}
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched; boolean overrides can only switch a setting on.
type Overrides struct {
	DataDir      string
	Device       string
	LogDir       string
	DebugDir     string
	Features     int
	LearningRate float64
	BatchSize    int
	Epochs       int
	ImageSize    int
	Seed         int64
	Workers      int
	ForceRestart bool
	LogMode      string
}

// Load layers defaults, the YAML file at path (when path is non-empty) and
// HARMONY_* environment variables. Unknown YAML keys are rejected. The result
// is not validated; callers apply CLI overrides first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.DebugDir != "" {
		c.DebugDir = o.DebugDir
	}
	if o.Features > 0 {
		c.Features = o.Features
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.ImageSize > 0 {
		c.ImageSize = o.ImageSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.ForceRestart {
		c.ForceRestart = true
	}
	if o.LogMode != "" {
		c.LogMode = o.LogMode
	}
}

// Validate verifies the config is runnable. An empty debug_dir defaults to
// <log_dir>/debug.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	info, err := os.Stat(c.DataDir)
	if err != nil {
		return errors.Wrap(err, "data_dir")
	}
	if !info.IsDir() {
		return errors.Errorf("data_dir %s is not a directory", c.DataDir)
	}
	if c.LogDir == "" {
		return errors.New("log_dir must be set")
	}
	if _, err := c.ParsedDevice(); err != nil {
		return err
	}
	if c.Features < 3 {
		return errors.Errorf("features must be >= 3 (got %d)", c.Features)
	}
	if c.Width <= 0 {
		return errors.Errorf("width must be > 0 (got %d)", c.Width)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.ImageSize < 0 {
		return errors.Errorf("image_size must be >= 0 (got %d)", c.ImageSize)
	}
	if c.CheckpointEvery <= 0 {
		return errors.Errorf("checkpoint_every must be > 0 (got %d)", c.CheckpointEvery)
	}
	if c.FinalLossWeight < 0 || c.IntermediateLossWeight < 0 {
		return errors.New("loss weights must be >= 0")
	}
	if c.FinalLossWeight == 0 && c.IntermediateLossWeight == 0 {
		return errors.New("at least one loss weight must be > 0")
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.LogMode != LogModeDevelopment && c.LogMode != LogModeRelease {
		return errors.Errorf("log_mode must be %q or %q (got %q)", LogModeDevelopment, LogModeRelease, c.LogMode)
	}
	if c.Discriminator.Enabled {
		if c.Discriminator.Channels <= 0 {
			return errors.Errorf("discriminator.channels must be > 0 (got %d)", c.Discriminator.Channels)
		}
		if c.ImageSize != 0 && c.ImageSize < 8 {
			return errors.Errorf("image_size must be >= 8 with the discriminator enabled (got %d)", c.ImageSize)
		}
	}
	if c.DebugDir == "" {
		c.DebugDir = filepath.Join(c.LogDir, "debug")
	}
	return nil
}

// ParsedDevice resolves the device string.
func (c *Config) ParsedDevice() (tensor.Device, error) {
	d, err := tensor.ParseDevice(c.Device)
	return d, errors.Wrap(err, "device")
}
