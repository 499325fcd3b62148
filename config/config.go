// Package config - Immutable, typed run configuration.
//
// A Config is loaded from a YAML file once at process start, validated, and
// then passed by value into every component that needs it. Components never
// mutate a Config; inference mode derives its own view through
// WithTestSplit, which returns a deep copy with the relevant fields
// replaced.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultSeed is used when the config does not pin a seed explicitly.
const DefaultSeed = 49626446

// Error reports an unusable configuration value. It is fatal at startup.
type Error struct {
	// Key is the dotted path of the offending field, e.g. "training.batch_size".
	Key string
	// Reason describes why the value is unusable.
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Config is the root configuration for a training or inference run.
type Config struct {
	Run      RunConfig      `yaml:"run"`
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Data     DataConfig     `yaml:"data"`
}

// RunConfig identifies the run and its on-disk output location.
type RunConfig struct {
	// Name tags log lines and output artifacts.
	Name string `yaml:"name"`
	// OutputDir receives checkpoints, model snapshots and evaluation output.
	OutputDir string `yaml:"output_dir"`
	// Seed fixes weight initialization and shuffle order for the whole run.
	Seed int64 `yaml:"seed"`
}

// ModelConfig describes the pose network.
type ModelConfig struct {
	// Backbone selects a registered feature extractor by name.
	Backbone string `yaml:"backbone"`
	// BackboneChannels are the per-stage output channels of the default
	// convolutional backbone. Each stage halves the spatial resolution.
	BackboneChannels []int `yaml:"backbone_channels"`
	// NumStages is the number of 2x upsampling stages in the heatmap decoder.
	NumStages int `yaml:"num_stages"`
	// NumFilters is the channel width of each decoder stage.
	NumFilters int `yaml:"num_filters"`
	// KernelSize of the decoder upsampling convolutions. Must be 2, 3 or 4.
	KernelSize int `yaml:"kernel_size"`
	// NumJoints is the number of predicted joints.
	NumJoints int `yaml:"num_joints"`
	// DepthBins is the number of discrete depth bins in the heatmap volume.
	DepthBins int `yaml:"depth_bins"`
	// PatchWidth and PatchHeight are the network input resolution.
	PatchWidth  int `yaml:"patch_width"`
	PatchHeight int `yaml:"patch_height"`
}

// TrainingConfig drives the epoch loop and the optimizer.
type TrainingConfig struct {
	Epochs     int  `yaml:"epochs"`
	BatchSize  int  `yaml:"batch_size"`
	NumWorkers int  `yaml:"num_workers"`
	Shuffle    bool `yaml:"shuffle"`
	// CheckpointInterval saves a checkpoint every N epochs. The final epoch
	// is always checkpointed.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// Optimizer is "sgd" or "adam".
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`

	// LRStep decays the learning rate by LRGamma every LRStep epochs.
	LRStep  int     `yaml:"lr_step"`
	LRGamma float64 `yaml:"lr_gamma"`

	// SizeAverage selects mean batch reduction for the loss; when false the
	// per-sample losses are summed unnormalized.
	SizeAverage bool `yaml:"size_average"`
}

// DataConfig selects and parameterizes the dataset collaborators.
type DataConfig struct {
	// Datasets lists registered dataset names drawn from during training.
	Datasets []string `yaml:"datasets"`
	// Root is the directory containing dataset files.
	Root string `yaml:"root"`
	// EvalDataset names the canonical dataset whose scoring function is used
	// during the Evaluating state and forced by the prediction driver.
	EvalDataset string `yaml:"eval_dataset"`
	// ValSplit is the split served when a dataset is loaded with
	// isTrain=false, normally "val". The prediction driver overrides it to
	// "test".
	ValSplit string `yaml:"val_split"`
	// DepthRefScale is the reference depth extent, in original-image units,
	// that a normalized depth of 1.0 maps to. Historically hard-coded to
	// 2000; kept configurable here.
	DepthRefScale float64 `yaml:"depth_ref_scale"`
	// Mean and Std standardize patch pixels per channel.
	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`
	// SyntheticSize is the per-split sample count of the "synthetic"
	// dataset, used for smoke runs and tests.
	SyntheticSize int `yaml:"synthetic_size"`
}

// Default returns a Config with every field set to a usable value.
func Default() Config {
	return Config{
		Run: RunConfig{
			Name:      "pose",
			OutputDir: "output",
			Seed:      DefaultSeed,
		},
		Model: ModelConfig{
			Backbone:         "convnet",
			BackboneChannels: []int{32, 64, 128, 256},
			NumStages:        3,
			NumFilters:       256,
			KernelSize:       4,
			NumJoints:        18,
			DepthBins:        64,
			PatchWidth:       256,
			PatchHeight:      256,
		},
		Training: TrainingConfig{
			Epochs:             40,
			BatchSize:          32,
			NumWorkers:         4,
			Shuffle:            true,
			CheckpointInterval: 5,
			Optimizer:          "adam",
			LearningRate:       1e-3,
			Momentum:           0.9,
			Beta1:              0.9,
			Beta2:              0.999,
			Epsilon:            1e-8,
			WeightDecay:        0,
			LRStep:             20,
			LRGamma:            0.1,
			SizeAverage:        true,
		},
		Data: DataConfig{
			Datasets:      []string{"h36m"},
			Root:          "data",
			EvalDataset:   "h36m",
			ValSplit:      "val",
			DepthRefScale: 2000,
			Mean:          []float32{0.485, 0.456, 0.406},
			Std:           []float32{0.229, 0.224, 0.225},
			SyntheticSize: 64,
		},
	}
}

// Load reads path, overlays it on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field the core depends on. It is called once at
// load time so components downstream can assume a well-formed Config.
func (c Config) Validate() error {
	switch {
	case c.Training.BatchSize <= 0:
		return &Error{Key: "training.batch_size", Reason: "must be positive"}
	case c.Training.Epochs <= 0:
		return &Error{Key: "training.epochs", Reason: "must be positive"}
	case c.Training.CheckpointInterval <= 0:
		return &Error{Key: "training.checkpoint_interval", Reason: "must be positive"}
	case c.Training.LearningRate <= 0:
		return &Error{Key: "training.learning_rate", Reason: "must be positive"}
	case c.Training.LRGamma <= 0 || c.Training.LRGamma > 1:
		return &Error{Key: "training.lr_gamma", Reason: "must be in (0, 1]"}
	case c.Training.LRStep <= 0:
		return &Error{Key: "training.lr_step", Reason: "must be positive"}
	}
	if c.Training.Optimizer != "sgd" && c.Training.Optimizer != "adam" {
		return &Error{Key: "training.optimizer", Reason: fmt.Sprintf("unknown optimizer %q", c.Training.Optimizer)}
	}

	switch {
	case c.Model.NumJoints <= 0:
		return &Error{Key: "model.num_joints", Reason: "must be positive"}
	case c.Model.DepthBins <= 0:
		return &Error{Key: "model.depth_bins", Reason: "must be positive"}
	case c.Model.NumStages <= 0:
		return &Error{Key: "model.num_stages", Reason: "must be positive"}
	case c.Model.NumFilters <= 0:
		return &Error{Key: "model.num_filters", Reason: "must be positive"}
	case c.Model.PatchWidth <= 0 || c.Model.PatchHeight <= 0:
		return &Error{Key: "model.patch_width", Reason: "patch size must be positive"}
	}
	if k := c.Model.KernelSize; k != 2 && k != 3 && k != 4 {
		return &Error{Key: "model.kernel_size", Reason: fmt.Sprintf("must be 2, 3 or 4, got %d", k)}
	}
	if len(c.Model.BackboneChannels) == 0 {
		return &Error{Key: "model.backbone_channels", Reason: "at least one stage required"}
	}

	if len(c.Data.Datasets) == 0 {
		return &Error{Key: "data.datasets", Reason: "at least one dataset required"}
	}
	if c.Data.EvalDataset == "" {
		return &Error{Key: "data.eval_dataset", Reason: "required"}
	}
	if len(c.Data.Mean) != 3 || len(c.Data.Std) != 3 {
		return &Error{Key: "data.mean", Reason: "mean and std need exactly 3 channel values"}
	}
	if c.Data.DepthRefScale <= 0 {
		return &Error{Key: "data.depth_ref_scale", Reason: "must be positive"}
	}
	return nil
}

// WithTestSplit returns a deep copy of c with the dataset selection forced
// to the canonical evaluation dataset and the validation split replaced by
// the test split. The receiver is left untouched.
func (c Config) WithTestSplit() Config {
	out := c
	out.Model.BackboneChannels = append([]int(nil), c.Model.BackboneChannels...)
	out.Data.Datasets = []string{c.Data.EvalDataset}
	out.Data.Mean = append([]float32(nil), c.Data.Mean...)
	out.Data.Std = append([]float32(nil), c.Data.Std...)
	out.Data.ValSplit = "test"
	return out
}
