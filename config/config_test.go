package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		key    string
		mutate func(*Config)
	}{
		{"training.batch_size", func(c *Config) { c.Training.BatchSize = 0 }},
		{"training.epochs", func(c *Config) { c.Training.Epochs = -1 }},
		{"training.checkpoint_interval", func(c *Config) { c.Training.CheckpointInterval = 0 }},
		{"training.learning_rate", func(c *Config) { c.Training.LearningRate = 0 }},
		{"training.lr_gamma", func(c *Config) { c.Training.LRGamma = 1.5 }},
		{"training.lr_step", func(c *Config) { c.Training.LRStep = 0 }},
		{"training.optimizer", func(c *Config) { c.Training.Optimizer = "lbfgs" }},
		{"model.num_joints", func(c *Config) { c.Model.NumJoints = 0 }},
		{"model.depth_bins", func(c *Config) { c.Model.DepthBins = 0 }},
		{"model.kernel_size", func(c *Config) { c.Model.KernelSize = 5 }},
		{"model.backbone_channels", func(c *Config) { c.Model.BackboneChannels = nil }},
		{"data.datasets", func(c *Config) { c.Data.Datasets = nil }},
		{"data.eval_dataset", func(c *Config) { c.Data.EvalDataset = "" }},
		{"data.mean", func(c *Config) { c.Data.Mean = []float32{0.5} }},
		{"data.depth_ref_scale", func(c *Config) { c.Data.DepthRefScale = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tc.key, cerr.Key)
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	raw := "run:\n  name: smoke\ntraining:\n  batch_size: 4\n  optimizer: sgd\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "smoke", cfg.Run.Name)
	require.Equal(t, 4, cfg.Training.BatchSize)
	require.Equal(t, "sgd", cfg.Training.Optimizer)
	// Untouched fields keep their defaults.
	require.Equal(t, int64(DefaultSeed), cfg.Run.Seed)
	require.Equal(t, 256, cfg.Model.PatchWidth)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  batch_size: -2\n"), 0o644))
	_, err := Load(path)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "training.batch_size", cerr.Key)
}

func TestWithTestSplitLeavesReceiverUntouched(t *testing.T) {
	cfg := Default()
	cfg.Data.Datasets = []string{"h36m", "synthetic"}
	cfg.Data.EvalDataset = "h36m"

	derived := cfg.WithTestSplit()
	require.Equal(t, []string{"h36m"}, derived.Data.Datasets)
	require.Equal(t, "test", derived.Data.ValSplit)

	require.Equal(t, []string{"h36m", "synthetic"}, cfg.Data.Datasets)
	require.Equal(t, "val", cfg.Data.ValSplit)

	// The copy must be deep enough that slice writes do not alias back.
	derived.Data.Mean[0] = 99
	derived.Model.BackboneChannels[0] = 99
	require.Equal(t, float32(0.485), cfg.Data.Mean[0])
	require.Equal(t, 32, cfg.Model.BackboneChannels[0])
}
